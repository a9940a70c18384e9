package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidResource is returned when a caller asks to aggregate a column
// outside the resource allow-list.
var ErrInvalidResource = errors.New("ledger: invalid resource")

// StoreError wraps a persistence or connection failure with the operation
// that caused it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err carries a *StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
