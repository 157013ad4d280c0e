package stdlib

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"raya/internal/heap"
	"raya/internal/rerrors"
	"raya/internal/value"
	"raya/internal/vmcontext"
)

var dbHandles = newHandleTable[*sql.DB]()

// RegisterDB binds the db.* native module over database/sql, grounded
// on the teacher's internal/database.DBManager — same three drivers
// (sqlite/postgres/mysql) opened through database/sql, same
// mutex-guarded connection table — generalized from the teacher's
// caller-chosen string connection ids to handleTable's uint64 handles.
func RegisterDB(ctx *vmcontext.Context) {
	ctx.RegisterNative("db.connect", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		driver, err := argString(args, 0)
		if err != nil {
			return value.Null(), err
		}
		dsn, err := argString(args, 1)
		if err != nil {
			return value.Null(), err
		}
		db, oerr := sql.Open(driver, dsn)
		if oerr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "db.connect: %v", oerr)
		}
		if perr := db.Ping(); perr != nil {
			db.Close()
			return value.Null(), rerrors.New(rerrors.RuntimeError, "db.connect: %v", perr)
		}
		return value.Handle(dbHandles.put(db)), nil
	})

	ctx.RegisterNative("db.exec", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		h, err := argHandle(args, 0)
		if err != nil {
			return value.Null(), err
		}
		query, err := argString(args, 1)
		if err != nil {
			return value.Null(), err
		}
		db, ok := dbHandles.get(h)
		if !ok {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "db.exec: unknown connection handle")
		}
		res, eerr := db.Exec(query)
		if eerr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "db.exec: %v", eerr)
		}
		n, _ := res.RowsAffected()
		return value.I32(int32(n)), nil
	})

	ctx.RegisterNative("db.query", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		h, err := argHandle(args, 0)
		if err != nil {
			return value.Null(), err
		}
		query, err := argString(args, 1)
		if err != nil {
			return value.Null(), err
		}
		db, ok := dbHandles.get(h)
		if !ok {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "db.query: unknown connection handle")
		}
		rows, qerr := db.Query(query)
		if qerr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "db.query: %v", qerr)
		}
		defer rows.Close()
		cols, cerr := rows.Columns()
		if cerr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "db.query: %v", cerr)
		}
		var out []*heap.Json
		for rows.Next() {
			raw := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range raw {
				ptrs[i] = &raw[i]
			}
			if serr := rows.Scan(ptrs...); serr != nil {
				return value.Null(), rerrors.New(rerrors.RuntimeError, "db.query: %v", serr)
			}
			fields := make(map[string]*heap.Json, len(cols))
			for i, col := range cols {
				fields[col] = jsonOf(raw[i])
			}
			out = append(out, heap.NewJsonObject(fields))
		}
		if rerr := rows.Err(); rerr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "db.query: %v", rerr)
		}
		obj, aerr := ctx.Heap.AllocJson(heap.NewJsonArray(out))
		if aerr != nil {
			return value.Null(), aerr
		}
		return value.Ptr(objPtr(obj)), nil
	})

	ctx.RegisterNative("db.close", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		h, err := argHandle(args, 0)
		if err != nil {
			return value.Null(), err
		}
		db, ok := dbHandles.get(h)
		if !ok {
			return value.Bool(false), nil
		}
		dbHandles.delete(h)
		db.Close()
		return value.Bool(true), nil
	})
}

func jsonOf(v interface{}) *heap.Json {
	switch t := v.(type) {
	case nil:
		return heap.NewJsonNull()
	case int64:
		return heap.NewJsonNumber(float64(t))
	case float64:
		return heap.NewJsonNumber(t)
	case []byte:
		return heap.NewJsonString(string(t))
	case string:
		return heap.NewJsonString(t)
	case bool:
		return heap.NewJsonBool(t)
	default:
		return heap.NewJsonString(fmt.Sprintf("%v", t))
	}
}
