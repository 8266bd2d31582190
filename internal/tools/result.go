package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ToolError carries a stable kind for the {"error":"<kind>: <message>"}
// result convention.
type ToolError struct {
	Kind string
	Msg  string
}

func (e *ToolError) Error() string { return e.Kind + ": " + e.Msg }

// Failf builds a ToolError.
func Failf(kind, format string, args ...any) error {
	return &ToolError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Errorf renders an error result JSON directly.
func Errorf(kind, format string, args ...any) string {
	return errorResult(Failf(kind, format, args...))
}

func errorResult(err error) string {
	var te *ToolError
	msg := ""
	switch {
	case errors.As(err, &te):
		msg = te.Error()
	case errors.Is(err, context.DeadlineExceeded):
		msg = "timeout: " + err.Error()
	case errors.Is(err, context.Canceled):
		msg = "interrupted: " + err.Error()
	default:
		msg = "error: " + err.Error()
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": msg})
	if marshalErr != nil {
		return `{"error":"error: unserializable failure"}`
	}
	return string(payload)
}

// JSON marshals a result payload, falling back to an error result when the
// payload cannot be encoded.
func JSON(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		return Errorf("encode", "encode result: %v", err)
	}
	return string(payload)
}

// Success wraps a payload with success=true.
func Success(fields map[string]any) string {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	return JSON(fields)
}
