package mailstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Message shown to clients when a critical error occurs. The real detail
// goes to the operator log only; the timestamp lets an operator correlate
// the client-visible message with the logged detail.
const internalErrorMsg = "Internal error occurred. Refer to server log for more information."

const internalErrorStamp = "2006-01-02 15:04:05"

// ErrorState is the per-storage error slot. Every Storage owns exactly one.
//
// The slot holds at most one error at a time in a well-defined severity:
// none, plain, syntax, or internal. Every setter atomically replaces the
// previous message; there is no accumulation. Callers must read the slot
// with Last immediately after a failed operation, since the next operation
// may overwrite it.
type ErrorState struct {
	mu      sync.Mutex
	message string
	syntax  bool

	logger *slog.Logger
	now    func() time.Time
}

// NewErrorState creates an error slot whose critical-error detail is sent
// to the given operator logger. A nil logger falls back to slog.Default().
func NewErrorState(logger *slog.Logger) *ErrorState {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorState{
		logger: logger,
		now:    time.Now,
	}
}

// Clear resets the slot to "no error".
func (e *ErrorState) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.message = ""
	e.syntax = false
}

// Set stores a plain error message, replacing any previous error.
func (e *ErrorState) Set(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.message = message
	e.syntax = false
}

// Setf stores a formatted plain error message.
func (e *ErrorState) Setf(format string, args ...any) {
	e.Set(fmt.Sprintf(format, args...))
}

// SetSyntax stores a syntax-class error. Syntax errors describe malformed
// caller-supplied input and are safe to show verbatim to the remote client.
func (e *ErrorState) SetSyntax(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.message = message
	e.syntax = true
}

// SetSyntaxf stores a formatted syntax-class error.
func (e *ErrorState) SetSyntaxf(format string, args ...any) {
	e.SetSyntax(fmt.Sprintf(format, args...))
}

// SetInternal stores the fixed, timestamped internal-error message.
// Last keeps returning it until another setter runs, regardless of how
// much time has passed.
func (e *ErrorState) SetInternal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setInternalLocked()
}

func (e *ErrorState) setInternalLocked() {
	e.message = internalErrorMsg + " [" + e.now().Format(internalErrorStamp) + "]"
	e.syntax = false
}

// SetCritical logs detail to the operator sink, then stores the fixed
// internal-error message in the slot. Critical errors may contain
// sensitive data (paths, system state) that must never reach the remote
// client, so the client only ever sees the SetInternal template.
func (e *ErrorState) SetCritical(detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger.Error(detail)
	e.setInternalLocked()
}

// SetCriticalf logs a formatted detail message, then stores the fixed
// internal-error message.
func (e *ErrorState) SetCriticalf(format string, args ...any) {
	e.SetCritical(fmt.Sprintf(format, args...))
}

// Last returns the current error message and whether it is a syntax
// error. It does not mutate the slot. An empty message means no error.
func (e *ErrorState) Last() (message string, isSyntax bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.message, e.syntax
}
