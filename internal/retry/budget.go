// Package retry provides the attempt budget shared by every step of one
// logical bus operation.
package retry

import "fmt"

// Budget counts the attempts left for one logical operation.
//
// A Budget is a plain value owned by the caller and passed by pointer into
// each protocol call; it is never shared implicitly between operations.
// The zero value has no attempts left.
type Budget struct {
	limit     int
	remaining int
}

// NewBudget returns a budget holding n attempts. Negative n is treated as 0.
func NewBudget(n int) Budget {
	if n < 0 {
		n = 0
	}

	return Budget{limit: n, remaining: n}
}

// Take consumes one attempt. It returns false when the budget was already
// exhausted, in which case nothing is consumed.
func (b *Budget) Take() bool {
	if b.remaining <= 0 {
		return false
	}
	b.remaining--

	return true
}

// Remaining returns the number of attempts left.
func (b *Budget) Remaining() int { return b.remaining }

// Used returns the number of attempts consumed since the last reset.
func (b *Budget) Used() int { return b.limit - b.remaining }

// Exhausted reports whether no attempts are left.
func (b *Budget) Exhausted() bool { return b.remaining <= 0 }

// Reset refills the budget to its original limit.
func (b *Budget) Reset() { b.remaining = b.limit }

func (b Budget) String() string {
	return fmt.Sprintf("%d/%d", b.remaining, b.limit)
}
