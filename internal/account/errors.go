package account

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("account not found")
	ErrIncompleteGroup = errors.New("incomplete account group")
	ErrGroupNotFound   = errors.New("account group not found")
)

// PersistenceError wraps a failed status store operation
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("status store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// RollbackError means a compensating move failed and the group now spans
// two pools. It needs an operator; it must not be retried automatically.
type RollbackError struct {
	Prefix    string
	Straddled []string // files left in the activated pool
	Err       error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of group %s failed, left in activated: %s: %v",
		e.Prefix, strings.Join(e.Straddled, ", "), e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}
