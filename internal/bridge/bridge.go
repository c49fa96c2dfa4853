// Package bridge implements a named method channel: the host invokes a
// method by name with named arguments and receives either a result or a
// structured error.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"
)

// Error codes shared with the host application.
const (
	CodeBadArgs           = "bad_args"
	CodeLoadFailed        = "load_failed"
	CodeDecodeFailed      = "decode_failed"
	CodeUnsupportedOutput = "unsupported_output"
	CodeRunFailed         = "run_failed"
	CodeNotImplemented    = "not_implemented"
	CodeInternal          = "internal"
)

// Error is the structured failure sent back to the host.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Args are the named arguments of one call.
type Args map[string]any

// Call is one method invocation.
type Call struct {
	Method string `json:"method"`
	Args   Args   `json:"args"`
}

// Reply carries exactly one of Result or Error.
type Reply struct {
	Result any
	Error  *Error
}

// OK reports whether the call succeeded.
func (r Reply) OK() bool { return r.Error == nil }

// MarshalJSON encodes either {"result": ...} or {"error": {...}}. Empty
// results are kept so the host can tell [] from a failure.
func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			Error *Error `json:"error"`
		}{r.Error})
	}
	return json.Marshal(struct {
		Result any `json:"result"`
	}{r.Result})
}

// Handler serves one method. Errors that are not *Error are reported with
// CodeInternal.
type Handler func(ctx context.Context, args Args) (any, error)

// Channel dispatches calls to registered handlers.
type Channel struct {
	name string

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewChannel(name string) *Channel {
	return &Channel{name: name, handlers: make(map[string]Handler)}
}

func (c *Channel) Name() string { return c.name }

// Handle registers h for method, replacing any previous handler.
func (c *Channel) Handle(method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// Methods lists the registered method names.
func (c *Channel) Methods() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs call and converts the outcome into a Reply.
func (c *Channel) Invoke(ctx context.Context, call Call) Reply {
	c.mu.RLock()
	h, ok := c.handlers[call.Method]
	c.mu.RUnlock()

	if !ok {
		return Reply{Error: Errorf(CodeNotImplemented, "method %q is not implemented on %s", call.Method, c.name)}
	}

	ctx = ensureCallID(ctx)
	args := call.Args
	if args == nil {
		args = Args{}
	}

	result, err := h(ctx, args)
	if err != nil {
		var bridgeErr *Error
		if errors.As(err, &bridgeErr) {
			return Reply{Error: bridgeErr}
		}
		return Reply{Error: &Error{Code: CodeInternal, Message: err.Error()}}
	}
	return Reply{Result: result}
}

// Bytes returns a byte argument. JSON transports deliver bytes as base64
// strings, in-process callers as []byte.
func (a Args) Bytes(name string) ([]byte, bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, false, nil
	}
	switch x := v.(type) {
	case []byte:
		return x, true, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, true, Errorf(CodeBadArgs, "%s is not valid base64: %v", name, err)
		}
		return b, true, nil
	}
	return nil, true, Errorf(CodeBadArgs, "%s must be bytes, got %T", name, v)
}

// Int returns an integer argument.
func (a Args) Int(name string) (int, bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch x := v.(type) {
	case int:
		return x, true, nil
	case int32:
		return int(x), true, nil
	case int64:
		return int(x), true, nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) <= math.MaxInt32 {
			return int(x), true, nil
		}
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n), true, nil
		}
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return int(rv.Int()), true, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			if u := rv.Uint(); u <= math.MaxInt {
				return int(u), true, nil
			}
		}
	}
	return 0, true, Errorf(CodeBadArgs, "%s must be an integer, got %v", name, v)
}

// String returns a string argument.
func (a Args) String(name string) (string, bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", false, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", true, Errorf(CodeBadArgs, "%s must be a string, got %T", name, v)
	}
	return s, true, nil
}
