package nodes

import (
	"github.com/rendis/convo/internal/actions"
	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/pkg/schema"
)

// Deps are the collaborators the built-in handlers need.
type Deps struct {
	Conditions *expressions.Conditions
	JQ         *expressions.GoJQEngine
	Invoker    *actions.Invoker
}

// RegisterBuiltins registers a handler for every built-in node kind.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	handlers := []Handler{
		triggerHandler{},
		endHandler{},
		&branchHandler{conditions: deps.Conditions},
		&switchHandler{conditions: deps.Conditions},
		loopHandler{},
		waitTimerHandler{},
		waitReplyHandler{},
		&setVariableHandler{expr: deps.Conditions.Expr()},
		&transformHandler{jq: deps.JQ},
		sendMessageHandler{},
		&actionHandler{kind: schema.KindHTTPRequest, fixed: "http.request", invoker: deps.Invoker},
		&actionHandler{kind: schema.KindScript, fixed: "script.run", invoker: deps.Invoker},
		&actionHandler{kind: schema.KindMCPCall, fixed: "mcp.call", invoker: deps.Invoker},
		&actionHandler{kind: schema.KindAction, invoker: deps.Invoker},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
