package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
)

// Kind classifies storage failures. Engines retry soft errors within a small
// budget and surface everything else immediately.
type Kind int

const (
	// KindSoft marks transient failures (lock contention, busy handles).
	KindSoft Kind = iota + 1
	// KindHard marks permanent failures (corruption, broken invariants, I/O).
	KindHard
	// KindNotFound marks lookups that matched no row.
	KindNotFound
	// KindConflict marks writes that clash with stored state.
	KindConflict
)

// Error is the failure type returned by every Storage operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsSoft reports whether err is a transient storage failure worth retrying.
func IsSoft(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindSoft
}

// IsNotFound reports whether err marks a missing row.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsConflict reports whether err marks a write conflicting with stored state.
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// sqlite primary result codes; extended codes carry these in the low byte.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// Retry runs fn up to budget times, stopping at the first non-soft result.
// The last error is returned when the budget runs out.
func Retry(budget int, fn func() error) error {
	var err error
	for i := 0; i < budget; i++ {
		err = fn()
		if !IsSoft(err) {
			return err
		}
	}
	return err
}

// classify maps a database error onto the soft/hard taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return newError(op, KindNotFound, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(op, KindSoft, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return newError(op, KindSoft, err)
		case sqliteConstraint:
			return newError(op, KindConflict, err)
		}
	}
	return newError(op, KindHard, err)
}
