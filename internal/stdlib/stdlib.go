package stdlib

import "raya/internal/vmcontext"

// RegisterAll binds every illustrative native module into ctx, giving
// OpNativeCall bytecode something real to dispatch to. cmd/raya calls
// this once per loaded Context before running a module.
func RegisterAll(ctx *vmcontext.Context) {
	RegisterFS(ctx)
	RegisterDB(ctx)
	RegisterWS(ctx)
}
