package common

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/ternarybob/arbor"
)

// PanicError is a panic recovered inside a named unit of work
type PanicError struct {
	Where string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Where, e.Value)
}

// SafeGo runs fn on its own goroutine. A panic is logged instead of
// taking the process down.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, &PanicError{Where: name, Value: r, Stack: debug.Stack()})
			}
		}()
		fn()
	}()
}

// RecoverPanic logs a value returned by recover() and converts it to a
// *PanicError:
//
//	defer func() {
//	    if r := recover(); r != nil {
//	        err = common.RecoverPanic(logger, "stage:download", r)
//	    }
//	}()
func RecoverPanic(logger arbor.ILogger, name string, r interface{}) error {
	err := &PanicError{Where: name, Value: r, Stack: debug.Stack()}
	logPanic(logger, err)
	return err
}

func logPanic(logger arbor.ILogger, err *PanicError) {
	if logger == nil {
		fmt.Fprintf(os.Stderr, "%v\n%s\n", err, err.Stack)
		return
	}
	logger.Error().
		Str("where", err.Where).
		Str("panic", fmt.Sprint(err.Value)).
		Str("stack", string(err.Stack)).
		Msg("Recovered from panic")
}
