package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/maestroflow/maestro/core"
)

// FuncAgent wraps an in-process callable behind the agent contract.
//
// Two callable shapes are accepted:
//
//	func(ctx context.Context, args map[string]interface{}) (interface{}, error)
//	func(ctx context.Context, args T) (interface{}, error)   // T a struct
//
// For the struct shape the agent introspects T's fields: request keys
// that don't map to a field are dropped, and a missing field tagged
// `required:"true"` fails the call with a clear execution error.
type FuncAgent struct {
	*core.BaseAgent
	fn      reflect.Value
	argType reflect.Type
	isMap   bool
	timeout time.Duration
}

// NewFuncAgent wraps fn. It returns an error when the signature does
// not match either accepted shape.
func NewFuncAgent(name string, capabilities []string, fn interface{}, opts ...FuncOption) (*FuncAgent, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s: not a function: %w", name, core.ErrInvalidConfiguration)
	}
	if t.NumIn() != 2 || t.NumOut() != 2 {
		return nil, fmt.Errorf("%s: callable must be func(ctx, args) (result, error): %w", name, core.ErrInvalidConfiguration)
	}
	if !t.In(0).Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) && t.In(0) != reflect.TypeOf((*context.Context)(nil)).Elem() {
		return nil, fmt.Errorf("%s: first parameter must be context.Context: %w", name, core.ErrInvalidConfiguration)
	}
	if !t.Out(1).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
		return nil, fmt.Errorf("%s: second return must be error: %w", name, core.ErrInvalidConfiguration)
	}

	argType := t.In(1)
	isMap := argType == reflect.TypeOf(map[string]interface{}{})
	if !isMap && argType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%s: second parameter must be a struct or map[string]interface{}: %w", name, core.ErrInvalidConfiguration)
	}

	agent := &FuncAgent{
		BaseAgent: core.NewBaseAgent(name, capabilities, nil),
		fn:        v,
		argType:   argType,
		isMap:     isMap,
	}
	for _, opt := range opts {
		opt(agent)
	}
	return agent, nil
}

// FuncOption configures a FuncAgent.
type FuncOption func(*FuncAgent)

// WithTimeout sets the agent-configured call timeout.
func WithTimeout(d time.Duration) FuncOption {
	return func(a *FuncAgent) { a.timeout = d }
}

// Call dispatches onto the wrapped function. Panics and errors are
// converted to failed responses; nothing crosses the boundary.
func (a *FuncAgent) Call(ctx context.Context, input core.Request) (response *core.AgentResponse) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			elapsed := time.Since(start)
			a.RecordCall(elapsed, false)
			response = core.NewErrorResponse(a.Name(), fmt.Errorf("agent panic: %v", r), elapsed)
		}
	}()

	timeout := core.EffectiveTimeout(input, a.timeout, 30*time.Second)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := core.NormalizeInput(input)

	var argValue reflect.Value
	if a.isMap {
		argValue = reflect.ValueOf(map[string]interface{}(args))
	} else {
		decoded, err := a.decodeStruct(args)
		if err != nil {
			elapsed := time.Since(start)
			a.RecordCall(elapsed, false)
			return core.NewErrorResponse(a.Name(), err, elapsed)
		}
		argValue = decoded
	}

	results := a.fn.Call([]reflect.Value{reflect.ValueOf(callCtx), argValue})
	elapsed := time.Since(start)

	if errVal := results[1]; !errVal.IsNil() {
		a.RecordCall(elapsed, false)
		return core.NewErrorResponse(a.Name(), errVal.Interface().(error), elapsed)
	}

	a.RecordCall(elapsed, true)
	return core.NewSuccessResponse(a.Name(), results[0].Interface(), elapsed)
}

// decodeStruct maps request keys onto the struct's fields, dropping
// keys the function doesn't accept and enforcing required fields.
func (a *FuncAgent) decodeStruct(args core.Request) (reflect.Value, error) {
	accepted := make(map[string]interface{})
	present := make(map[string]bool)

	for i := 0; i < a.argType.NumField(); i++ {
		field := a.argType.Field(i)
		key := fieldKey(field)
		if key == "" {
			continue
		}
		if v, ok := args[key]; ok {
			accepted[key] = v
			present[key] = true
		}
	}

	for i := 0; i < a.argType.NumField(); i++ {
		field := a.argType.Field(i)
		if field.Tag.Get("required") == "true" && !present[fieldKey(field)] {
			return reflect.Value{}, fmt.Errorf("missing required parameter %q: %w",
				fieldKey(field), core.ErrAgentExecution)
		}
	}

	// JSON round-trip handles numeric coercion the way agents see
	// parameters arrive off the wire.
	raw, err := json.Marshal(accepted)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("parameter encode failed: %w", err)
	}
	target := reflect.New(a.argType)
	if err := json.Unmarshal(raw, target.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("parameter decode failed: %v: %w", err, core.ErrAgentExecution)
	}
	return target.Elem(), nil
}

func fieldKey(field reflect.StructField) string {
	if !field.IsExported() {
		return ""
	}
	tag := field.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if tag != "" {
		if idx := strings.Index(tag, ","); idx != -1 {
			tag = tag[:idx]
		}
		if tag != "" {
			return tag
		}
	}
	return strings.ToLower(field.Name)
}
