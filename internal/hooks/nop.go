package hooks

import (
	"context"

	"github.com/arloliu/rstream/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, types.ConnectionInfo, string) error = (*NopHooks)(nil).OnConnectionClosed
	_ func(context.Context, error) error                        = (*NopHooks)(nil).OnRestart
	_ func(context.Context, error) error                        = (*NopHooks)(nil).OnError
)

// NewNop creates a new no-op hooks implementation.
//
// Returns:
//   - *types.Hooks: Hooks with no-op implementations
func NewNop() *types.Hooks {
	h := &NopHooks{}

	return &types.Hooks{
		OnConnectionClosed: h.OnConnectionClosed,
		OnRestart:          h.OnRestart,
		OnError:            h.OnError,
	}
}

// Fill returns a copy of hooks with every nil callback replaced by a no-op.
// A nil hooks value yields NewNop().
func Fill(hooks *types.Hooks) *types.Hooks {
	if hooks == nil {
		return NewNop()
	}
	nop := &NopHooks{}
	out := *hooks
	if out.OnConnectionClosed == nil {
		out.OnConnectionClosed = nop.OnConnectionClosed
	}
	if out.OnRestart == nil {
		out.OnRestart = nop.OnRestart
	}
	if out.OnError == nil {
		out.OnError = nop.OnError
	}

	return &out
}

// OnConnectionClosed is a no-op implementation.
func (h *NopHooks) OnConnectionClosed(_ context.Context, _ types.ConnectionInfo, _ string) error {
	return nil
}

// OnRestart is a no-op implementation.
func (h *NopHooks) OnRestart(_ context.Context, _ error) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(_ context.Context, _ error) error {
	return nil
}
