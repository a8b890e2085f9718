package dispatch

import (
	"errors"
	"fmt"
	"sync"
)

// Budget caps how many combinations one drain may dispatch in total.
//
// A dispatch reserves one unit before it acquires capacity and gives it
// back if nothing was started, so the budget counts started executions
// only. A nil *Budget is unlimited.
//
// Thread-safety: Budget is safe for concurrent use.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewBudget creates a budget of limit dispatches. A limit below 1 is unlimited.
func NewBudget(limit int) *Budget {
	if limit < 1 {
		return nil
	}
	return &Budget{limit: limit}
}

// Reserve takes one unit. Returns BudgetExhaustedError when none remain.
func (b *Budget) Reserve() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.limit {
		return &BudgetExhaustedError{Used: b.used, Limit: b.limit}
	}
	b.used++
	return nil
}

// Refund returns a unit taken by Reserve that did not lead to a start.
func (b *Budget) Refund() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used > 0 {
		b.used--
	}
}

// Used returns the number of units currently taken.
func (b *Budget) Used() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining returns the number of units left, or -1 when unlimited.
func (b *Budget) Remaining() int {
	if b == nil {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit - b.used
}

// BudgetExhaustedError is returned when a drain has dispatched its limit.
type BudgetExhaustedError struct {
	Used  int
	Limit int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("dispatch budget exhausted: %d of %d used", e.Used, e.Limit)
}

// IsBudgetExhausted reports whether err is a BudgetExhaustedError.
func IsBudgetExhausted(err error) bool {
	var be *BudgetExhaustedError
	return errors.As(err, &be)
}
