package fatal

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Violation is the value every kernel abort panics with.
// Op names the routine that detected the violation ("bget", "kfree", ...).
type Violation struct {
	Op  string
	Msg string
}

func (v *Violation) Error() string {
	return v.Op + ": " + v.Msg
}

var logger atomic.Pointer[slog.Logger]

// SetLogger replaces the logger used to report violations before aborting.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func currentLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Abort reports an unrecoverable invariant violation and stops the calling goroutine.
// It never returns.
func Abort(op string, format string, args ...any) {

	violation := &Violation{Op: op, Msg: fmt.Sprintf(format, args...)}

	currentLogger().Error("kernel panic", "op", op, "reason", violation.Msg, "function", "Abort", "at", "fatal")

	panic(violation)
}

// Recover converts a recovered panic value back into a *Violation.
// ok is false when the panic did not originate from Abort.
func Recover(r any) (violation *Violation, ok bool) {
	violation, ok = r.(*Violation)
	return violation, ok
}
