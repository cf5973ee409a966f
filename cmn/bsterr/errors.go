// Package bsterr defines the bus error taxonomy of spec §7. Every
// component returns one of these kinds (never a bare error), wrapped with
// github.com/pkg/errors at the component boundary so a caller can still
// `errors.As` the typed Kind out of a decorated cause chain while a
// developer reading a log gets a stack-annotated message.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package bsterr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	_ Kind = iota
	KindInvalid
	KindTooBig
	KindTooMany
	KindWrongState
	KindQuota
	KindQueueFull
	KindNoRoute
	KindNotAvailable
	KindDenied
	KindWouldBlock
	KindCannotPassHandles
	KindTimedOut
	KindDisconnected
)

var names = map[Kind]string{
	KindInvalid:           "invalid",
	KindTooBig:            "too-big",
	KindTooMany:           "too-many",
	KindWrongState:        "wrong-state",
	KindQuota:             "quota-exceeded",
	KindQueueFull:         "queue-full",
	KindNoRoute:           "no-route",
	KindNotAvailable:      "not-available",
	KindDenied:            "access-denied",
	KindWouldBlock:        "would-block",
	KindCannotPassHandles: "cannot-pass-handles",
	KindTimedOut:          "timed-out",
	KindDisconnected:      "disconnected",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the concrete type every bus operation returns on failure.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.msg
}

func New(k Kind, format string, a ...any) error {
	return errors.WithStack(&Error{Kind: k, msg: fmt.Sprintf(format, a...)})
}

// Is reports whether err (possibly wrapped by pkg/errors) carries kind k.
func Is(err error, k Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == k
	}
	return false
}

// Wrap decorates err with a stack trace and message, preserving Kind for Is().
func Wrap(err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, a...)
}

func Invalid(format string, a ...any) error           { return New(KindInvalid, format, a...) }
func TooBig(format string, a ...any) error            { return New(KindTooBig, format, a...) }
func TooMany(format string, a ...any) error           { return New(KindTooMany, format, a...) }
func WrongState(format string, a ...any) error        { return New(KindWrongState, format, a...) }
func Quota(format string, a ...any) error             { return New(KindQuota, format, a...) }
func QueueFull(format string, a ...any) error         { return New(KindQueueFull, format, a...) }
func NoRoute(format string, a ...any) error           { return New(KindNoRoute, format, a...) }
func NotAvailable(format string, a ...any) error      { return New(KindNotAvailable, format, a...) }
func Denied(format string, a ...any) error            { return New(KindDenied, format, a...) }
func WouldBlock(format string, a ...any) error        { return New(KindWouldBlock, format, a...) }
func CannotPassHandles(format string, a ...any) error { return New(KindCannotPassHandles, format, a...) }
func TimedOut(format string, a ...any) error          { return New(KindTimedOut, format, a...) }
func Disconnected(format string, a ...any) error      { return New(KindDisconnected, format, a...) }
