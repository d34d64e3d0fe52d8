package transport

import (
	"github.com/gocallosum/callosum/pkg/gate"
	"github.com/gocallosum/callosum/pkg/model"
)

// BeforeToolCallHook is the plugin-mode shape of spec.md §6's
// `before_tool_call(event)`: nil return means allow, non-nil is the
// block/pause reason string.
type BeforeToolCallHook func(tool string, params model.Params) *string

// AfterToolCallHook is the plugin-mode shape of `after_tool_call(event)`.
type AfterToolCallHook func(tool string, params model.Params, callErr error)

// Hooks adapts a Gate directly into the two function values the
// event dispatcher expects, for a plugin-mode deployment that runs in
// the same address space as the agent runtime and skips the HTTP
// envelope entirely.
type Hooks struct {
	Before BeforeToolCallHook
	After  AfterToolCallHook
}

// NewHooks builds the in-process hook pair over g. onPersistenceError,
// if non-nil, is invoked whenever a call is blocked due to a
// PersistenceError rather than an ordinary tier/conflict decision — the
// hook contract has no room for a structured error type, so this is the
// dispatcher's only way to distinguish "the coordinator is broken" from
// "the coordinator did its job and said no."
func NewHooks(g *gate.Gate, onPersistenceError func(error)) Hooks {
	return Hooks{
		Before: func(tool string, params model.Params) *string {
			verdict, err := g.BeforeToolCall(g.Instance, tool, params)
			if err != nil && onPersistenceError != nil {
				onPersistenceError(err)
			}
			if verdict.Proceed() {
				return nil
			}
			reason := verdict.Reason
			return &reason
		},
		After: func(tool string, params model.Params, callErr error) {
			if err := g.AfterToolCall(g.Instance, tool, params, callErr); err != nil && onPersistenceError != nil {
				onPersistenceError(err)
			}
		},
	}
}
