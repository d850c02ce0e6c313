// Package context aliases the standard library context so call sites read as
// context.T, context.F and so on.
package context

import (
	"context"
)

type (
	T = context.Context
	F = context.CancelFunc
	C = context.CancelCauseFunc
)

var (
	Bg          = context.Background
	Cancel      = context.WithCancel
	Timeout     = context.WithTimeout
	TODO        = context.TODO
	Value       = context.WithValue
	CancelCause = context.WithCancelCause
	Canceled    = context.Canceled
	Deadline    = context.DeadlineExceeded
)
