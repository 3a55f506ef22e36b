package coordinator

import (
	"fmt"
)

const (
	InitOpSchema  = "schema"
	InitOpPersist = "persist"
	InitOpConnect = "connect"
	InitOpSync    = "sync"
)

// InitError is returned by Acquire when handle construction fails.
// The handle is never registered as active, so a fresh Acquire is
// safe to retry.
type InitError struct {
	Op  string
	Err error
}

func (self *InitError) Error() string {
	return fmt.Sprintf("init %s: %s", self.Op, self.Err)
}

func (self *InitError) Unwrap() error {
	return self.Err
}

func initError(op string, err error) *InitError {
	return &InitError{
		Op:  op,
		Err: err,
	}
}
