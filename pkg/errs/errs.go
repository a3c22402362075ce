// Package errs defines the error taxonomy shared by every meterledger component.
//
// Every domain error carries a Kind. Callers branch on the kind with errors.Is
// against the exported sentinels, and the HTTP layer maps kinds to status codes.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAlreadyExists    Kind = "already_exists"
	KindNotFound         Kind = "not_found"
	KindBadInput         Kind = "bad_input"
	KindPermissionDenied Kind = "permission_denied"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

// Error is a classified error. Code is a stable snake_case identifier.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

var (
	ErrAlreadyExists    = &Error{Kind: KindAlreadyExists}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrBadInput         = &Error{Kind: KindBadInput}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrInternal         = &Error{Kind: KindInternal}
)

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Code == "" && e.Message == "":
		return string(e.Kind)
	case e.Message == "" || e.Message == e.Code:
		return e.Code
	case e.Code == "":
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare kind sentinel against any error of that kind, and a coded
// error against errors carrying the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithMessage returns a copy of e carrying a request specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsPermanent reports whether retrying the operation that produced err cannot succeed.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindBadInput, KindNotFound, KindPermissionDenied, KindAlreadyExists:
		return true
	}
	return false
}
