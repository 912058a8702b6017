// Package vision extracts machine-readable content from statement page
// images through an external vision-capable model. Three request tiers are
// offered, from richest to most basic: structured rows, word tokens with
// bounding boxes, and plain text converted to synthetic tokens.
package vision

import (
	"context"
	"errors"
	"fmt"
)

// ErrTruncated marks a response cut short by the model's output limit after
// the whole encode ladder was exhausted. It is a retryable condition for the
// caller, not a hard failure.
var ErrTruncated = errors.New("vision response truncated")

// SchemaError is a fatal condition: the model replied with JSON that does
// not match the contract even after all fallback tiers.
type SchemaError struct {
	Tier   string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("vision %s response failed schema validation: %s", e.Tier, e.Detail)
}

// Gate admits one outbound call, blocking until a slot is available. The
// rate limiter implements it through a per-page adapter that keeps page
// status fresh while waiting.
type Gate interface {
	Acquire(ctx context.Context) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context) error

// Acquire implements Gate.
func (f GateFunc) Acquire(ctx context.Context) error { return f(ctx) }

// NopGate admits every call immediately.
var NopGate = GateFunc(func(context.Context) error { return nil })
