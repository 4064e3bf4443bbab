package artifacts

import (
	"errors"
	"fmt"
)

// Kind classifies a storage failure so callers can pick a response without
// string matching.
type Kind int

const (
	KindStorage Kind = iota
	KindValidation
	KindNotFound
	KindAlreadyExists
	KindRead
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "storage"
	}
}

// Sentinels matched with errors.Is. Every *Error also matches ErrStorage.
var (
	ErrStorage       = errors.New("artifacts: storage error")
	ErrValidation    = errors.New("artifacts: invalid key")
	ErrNotFound      = errors.New("artifacts: artifact not found")
	ErrAlreadyExists = errors.New("artifacts: artifact already exists")
	ErrRead          = errors.New("artifacts: read failed")
	ErrWrite         = errors.New("artifacts: write failed")
)

// Error is the single error type returned by Store implementations.
type Error struct {
	Kind Kind
	Op   string // Store method, e.g. "put"
	Key  string // canonical key, empty for non-key operations
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.sentinel().Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += " (" + e.Key + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrStorage || target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindRead:
		return ErrRead
	case KindWrite:
		return ErrWrite
	default:
		return ErrStorage
	}
}

func newError(kind Kind, op string, key Key, err error) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if key != (Key{}) {
		e.Key = key.String()
	}
	return e
}

func notFound(op string, key Key) error {
	return newError(KindNotFound, op, key, nil)
}

func alreadyExists(op string, key Key) error {
	return newError(KindAlreadyExists, op, key, nil)
}

func storageErr(op string, key Key, format string, args ...any) error {
	return newError(KindStorage, op, key, fmt.Errorf(format, args...))
}

func readErr(op string, key Key, err error) error {
	return newError(KindRead, op, key, err)
}

func writeErr(op string, key Key, err error) error {
	return newError(KindWrite, op, key, err)
}

// withOp stamps op onto an *Error produced by a validation helper.
func withOp(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		e.Op = op
	}
	return err
}

// checkKey validates key on behalf of op.
func checkKey(op string, key Key) error {
	return withOp(op, key.Validate())
}

// KindOf returns the kind of err, or KindStorage for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
