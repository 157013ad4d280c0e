package stdlib

import (
	"github.com/gorilla/websocket"

	"raya/internal/rerrors"
	"raya/internal/value"
	"raya/internal/vmcontext"
)

var wsHandles = newHandleTable[*websocket.Conn]()

// RegisterWS binds the ws.* native module over gorilla/websocket,
// grounded on the teacher's internal/network.WebSocketConn — same
// *websocket.Conn wrapping and ID-keyed connection table — narrowed to
// the client-dial/send/recv/close surface a scripting language's
// standard library needs (the teacher's WebSocketServer/Upgrader side
// has no illustrative native-module counterpart here).
func RegisterWS(ctx *vmcontext.Context) {
	ctx.RegisterNative("ws.dial", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		url, err := argString(args, 0)
		if err != nil {
			return value.Null(), err
		}
		conn, _, derr := websocket.DefaultDialer.Dial(url, nil)
		if derr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "ws.dial: %v", derr)
		}
		return value.Handle(wsHandles.put(conn)), nil
	})

	ctx.RegisterNative("ws.send", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		h, err := argHandle(args, 0)
		if err != nil {
			return value.Null(), err
		}
		msg, err := argString(args, 1)
		if err != nil {
			return value.Null(), err
		}
		conn, ok := wsHandles.get(h)
		if !ok {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "ws.send: unknown connection handle")
		}
		if werr := conn.WriteMessage(websocket.TextMessage, []byte(msg)); werr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "ws.send: %v", werr)
		}
		return value.Bool(true), nil
	})

	ctx.RegisterNative("ws.recv", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		h, err := argHandle(args, 0)
		if err != nil {
			return value.Null(), err
		}
		conn, ok := wsHandles.get(h)
		if !ok {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "ws.recv: unknown connection handle")
		}
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return value.Null(), rerrors.New(rerrors.RuntimeError, "ws.recv: %v", rerr)
		}
		return strResult(ctx, string(data))
	})

	ctx.RegisterNative("ws.close", func(ctx *vmcontext.Context, args []value.Value) (value.Value, error) {
		h, err := argHandle(args, 0)
		if err != nil {
			return value.Null(), err
		}
		conn, ok := wsHandles.get(h)
		if !ok {
			return value.Bool(false), nil
		}
		wsHandles.delete(h)
		conn.Close()
		return value.Bool(true), nil
	})
}
