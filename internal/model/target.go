package model

import (
	"context"
	"time"
)

// Target is an opaque identifier of a probed endpoint, e.g. an address or
// address:port. Two targets are the same when their strings are equal.
type Target = string

type Status int

const (
	StatusFailure Status = iota
	StatusSuccess
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is what a single probe call reports.
type Result struct {
	Status Status
	Detail string
}

func Success(detail string) Result {
	return Result{Status: StatusSuccess, Detail: detail}
}

func Failure(detail string) Result {
	return Result{Status: StatusFailure, Detail: detail}
}

// Prober checks one target. Implementations must honor ctx, which carries
// the per attempt deadline.
type Prober interface {
	Probe(ctx context.Context, target Target) (Result, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, target Target) (Result, error)

func (f ProberFunc) Probe(ctx context.Context, target Target) (Result, error) {
	return f(ctx, target)
}

// Task is a target handed to the worker pool together with its raw input
// line number.
type Task struct {
	Target Target
	Line   uint64
}

// Outcome is the final result of all probe attempts on one target.
// It is a value and is never mutated once emitted.
type Outcome struct {
	Target   Target
	Line     uint64
	Status   Status
	Detail   string
	Attempt  int
	Started  time.Time
	Finished time.Time
}

func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}
