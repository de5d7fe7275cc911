package common

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// UnserializableValueError occurs when a JS value cannot be represented in Go.
type UnserializableValueError struct {
	UnserializableValue cdpruntime.UnserializableValue
}

func (e UnserializableValueError) Error() string {
	return fmt.Sprintf("unserializable value: %q", e.UnserializableValue)
}

// BigIntParseError occurs when a JS BigInt cannot be parsed into an int64.
type BigIntParseError struct {
	err error
}

func (e BigIntParseError) Error() string {
	return fmt.Sprintf("parsing bigint: %v", e.err)
}

func (e BigIntParseError) Unwrap() error {
	return e.err
}

func parseRemoteObjectPreview(op *cdpruntime.ObjectPreview) map[string]any {
	obj := make(map[string]any)
	for _, p := range op.Properties {
		val, err := parseRemoteObjectValue(p.Type, p.Subtype, p.Value, p.ValuePreview)
		if err != nil {
			continue
		}
		obj[p.Name] = val
	}
	return obj
}

func parseRemoteObjectValue(
	t cdpruntime.Type, st cdpruntime.Subtype, val string, op *cdpruntime.ObjectPreview,
) (any, error) {
	switch t {
	case cdpruntime.TypeAccessor:
		return "accessor", nil
	case cdpruntime.TypeBigint:
		n, err := strconv.ParseInt(strings.ReplaceAll(val, "n", ""), 10, 64)
		if err != nil {
			return nil, BigIntParseError{err}
		}
		return n, nil
	case cdpruntime.TypeFunction:
		return "function()", nil
	case cdpruntime.TypeString:
		if !strings.HasPrefix(val, `"`) {
			return val, nil
		}
	case cdpruntime.TypeSymbol:
		return val, nil
	case cdpruntime.TypeObject:
		if op != nil {
			return parseRemoteObjectPreview(op), nil
		}
		if val == "Object" {
			return val, nil
		}
		if st == "null" {
			return nil, nil
		}
	case cdpruntime.TypeUndefined:
		return nil, nil
	}

	var v any
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return nil, err
	}

	return v, nil
}

func parseRemoteObject(obj *cdpruntime.RemoteObject) (any, error) {
	if obj.UnserializableValue == "" {
		return parseRemoteObjectValue(obj.Type, obj.Subtype, string(obj.Value), obj.Preview)
	}

	switch obj.UnserializableValue.String() {
	case "-0": // +0 divided by a negative number
		return math.Float64frombits(0 | (1 << 63)), nil
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(0), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}

	return nil, UnserializableValueError{obj.UnserializableValue}
}

func parseExceptionDetails(exc *cdpruntime.ExceptionDetails) string {
	if exc == nil {
		return ""
	}
	var errMsg string
	if exc.Exception != nil {
		errMsg = exc.Exception.Description
		if errMsg == "" {
			if o, _ := parseRemoteObject(exc.Exception); o != nil {
				errMsg = fmt.Sprintf("%s", o)
			}
		}
	}
	return errMsg
}

func valueFromRemoteObject(robj *cdpruntime.RemoteObject) (any, error) {
	return parseRemoteObject(robj)
}

// convertArgument turns a Go value into a CDP call argument. Element handles
// are passed by object ID so the callee receives the live DOM node.
func convertArgument(execCtx *ExecutionContext, arg any) (*cdpruntime.CallArgument, error) {
	switch a := arg.(type) {
	case *ElementHandle:
		if a.IsDisposed() {
			return nil, ErrHandleDisposed
		}
		if a.execCtx != nil && a.execCtx != execCtx {
			return nil, ErrWrongExecutionContext
		}
		return &cdpruntime.CallArgument{ObjectID: a.remoteObject.ObjectID}, nil
	case float64:
		if math.IsNaN(a) {
			return &cdpruntime.CallArgument{UnserializableValue: "NaN"}, nil
		}
		if math.IsInf(a, 1) {
			return &cdpruntime.CallArgument{UnserializableValue: "Infinity"}, nil
		}
		if math.IsInf(a, -1) {
			return &cdpruntime.CallArgument{UnserializableValue: "-Infinity"}, nil
		}
	}
	b, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("marshaling argument: %w", err)
	}
	return &cdpruntime.CallArgument{Value: b}, nil
}
