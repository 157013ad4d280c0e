package stdlib

import (
	"os"

	"raya/internal/rerrors"
	"raya/internal/value"
	"raya/internal/vmcontext"
)

// RegisterFS binds the fs.* native module: readFile/writeFile/exists/
// remove, grounded on the teacher's internal/filesystem.FileSystemModule
// (the same os/path-based file operations, stripped of its baseline-
// hashing and watcher bookkeeping, which have no analogue in a language
// runtime's standard library).
func RegisterFS(ctx *vmcontext.Context) {
	ctx.RegisterNative("fs.readFile", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		path, err := argString(args, 0)
		if err != nil {
			return value.Null(), err
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "fs.readFile: %v", rerr)
		}
		return strResult(ctx, string(data))
	})

	ctx.RegisterNative("fs.writeFile", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		path, err := argString(args, 0)
		if err != nil {
			return value.Null(), err
		}
		content, err := argString(args, 1)
		if err != nil {
			return value.Null(), err
		}
		if werr := os.WriteFile(path, []byte(content), 0o644); werr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "fs.writeFile: %v", werr)
		}
		return value.Bool(true), nil
	})

	ctx.RegisterNative("fs.exists", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		path, err := argString(args, 0)
		if err != nil {
			return value.Null(), err
		}
		_, statErr := os.Stat(path)
		return value.Bool(statErr == nil), nil
	})

	ctx.RegisterNative("fs.remove", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		path, err := argString(args, 0)
		if err != nil {
			return value.Null(), err
		}
		if rerr := os.Remove(path); rerr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "fs.remove: %v", rerr)
		}
		return value.Bool(true), nil
	})
}
