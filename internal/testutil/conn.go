package testutil

import (
	"context"
	"sync"

	"github.com/g960059/tunnelctl/internal/api"
	"github.com/g960059/tunnelctl/internal/codec"
)

// ScriptedConn answers calls from a queue of scripted outcomes. Once
// the queue is empty every call succeeds with Default.
type ScriptedConn struct {
	mu      sync.Mutex
	script  []Outcome
	calls   []api.Action
	Default Outcome
}

// Outcome is one scripted reply: Err is returned as is, otherwise
// Result is round-tripped through the codec into the response value.
type Outcome struct {
	Err    error
	Result any
}

func NewScriptedConn(script ...Outcome) *ScriptedConn {
	return &ScriptedConn{script: script}
}

func (c *ScriptedConn) Push(outcomes ...Outcome) {
	c.mu.Lock()
	c.script = append(c.script, outcomes...)
	c.mu.Unlock()
}

func (c *ScriptedConn) Call(ctx context.Context, action api.Action, _, resp any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.calls = append(c.calls, action)
	out := c.Default
	if len(c.script) > 0 {
		out = c.script[0]
		c.script = c.script[1:]
	}
	c.mu.Unlock()

	if out.Err != nil {
		return out.Err
	}
	if out.Result != nil && resp != nil {
		data, err := codec.Marshal(out.Result)
		if err != nil {
			return err
		}
		return codec.Unmarshal(data, resp)
	}
	return nil
}

// Calls returns the actions seen so far, in order.
func (c *ScriptedConn) Calls() []api.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.Action(nil), c.calls...)
}

func (c *ScriptedConn) Count(action api.Action) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.calls {
		if a == action {
			n++
		}
	}
	return n
}
