package health

import (
	"context"
	"time"
)

// CheckType identifies the probe mechanism a Checker uses.
type CheckType string

const CheckTypeHTTP CheckType = "http"

// Result is the outcome of one probe attempt.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker performs a single probe and reports its outcome. The automation
// runtime's wait_for step polls a Checker on a fixed interval until it
// reports healthy or the step deadline passes.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}
