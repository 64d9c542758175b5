package shared

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Guard runs fn and converts a panic into an error so a misbehaving
// collaborator cannot take down the caller's goroutine.
func Guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered panic from collaborator call", "op", op, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	return fn()
}
