package research

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikeboe/deep-research/pkg/llm"
)

var (
	// ErrNoPendingResult is returned when evaluate is called with a handle
	// that no earlier search call staged, or that was already evaluated.
	ErrNoPendingResult = errors.New("no pending search result for handle")
	// ErrBudgetExhausted is returned once the external call budget is spent.
	ErrBudgetExhausted = errors.New("external call budget exhausted")
	// ErrStepLimit is returned when a generator runs more tool calls than
	// the filtering ceiling allows.
	ErrStepLimit = errors.New("tool step ceiling exceeded")
	// ErrInvalidParams rejects a negative depth or a breadth below one.
	ErrInvalidParams = errors.New("invalid research parameters")
)

// ServiceError wraps a failure of the search or generation service.
type ServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func searchError(op string, err error) error {
	if isPassthrough(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &ServiceError{Service: "search", Op: op, Err: err}
}

// generationError keeps schema failures distinguishable from transport
// failures of the generation service.
func generationError(op string, err error) error {
	if isPassthrough(err) || errors.Is(err, llm.ErrSchemaConformance) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &ServiceError{Service: "generation", Op: op, Err: err}
}

func isPassthrough(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrBudgetExhausted)
}
