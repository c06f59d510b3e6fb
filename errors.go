package statescan

import (
	"errors"
	"fmt"
)

// Exhaustion signals. These are sentinel results the pipeline returns to
// encode meaning, not failure (§7 of the design): callers compare with
// errors.Is and treat them as ordinary control flow, never log them as
// errors.
var (
	// ErrNoMoreEndpoints is returned by the interaction handler's Generate
	// when the current state has nothing left worth visiting. It is swallowed
	// by the crawler: the state will be flipped explored on the next pass.
	ErrNoMoreEndpoints = errors.New("no more endpoints to visit in current state")

	// ErrCrawlingConverged is returned by the navigator, then by the crawler,
	// then by the work manager's sequential discipline, when every live state
	// is both fully explored and fully fuzzed.
	ErrCrawlingConverged = errors.New("crawling converged")
)

// Configuration errors. Fatal, surfaced at construction time.
var (
	ErrNoResetEndpoint = errors.New("no endpoint flagged is_reset found for batch")
)

// ErrNoCurrentState is returned by the store when no state is marked current
// — only possible before the batch's initial state has been seeded.
var ErrNoCurrentState = errors.New("no state marked current for batch")

// ErrStateCollapsedDuringReparent is returned by the store's
// UpdateEndpoints/UpdateInteractions when the target state was collapsed
// after the state-change detector decided to re-parent into it (§9's
// resolved open question). The caller leaves the records under the original
// state; they are picked up again on the next detector pass.
var ErrStateCollapsedDuringReparent = errors.New("target state collapsed during re-parent")

// Invariant violations are programming errors, not part of the recoverable
// taxonomy above; they panic via invariantViolation rather than returning an
// error a caller might swallow.
func invariantViolation(format string, args ...any) {
	panic(newInvariantError(format, args...))
}

// InvariantError is the concrete type passed to panic by invariantViolation,
// so tests can recover and assert on it instead of matching a string.
type InvariantError struct {
	msg string
}

func (e *InvariantError) Error() string { return e.msg }

func newInvariantError(format string, args ...any) *InvariantError {
	return &InvariantError{msg: fmt.Sprintf(format, args...)}
}
