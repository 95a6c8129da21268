package llm

import "sync"

// Budget caps the total provider spend for one task. The worker handler
// creates one per task and the gateway charges every call against it.
type Budget struct {
	mu     sync.Mutex
	maxUSD float64
	spent  float64
}

// NewBudget returns a budget capped at maxUSD. maxUSD <= 0 disables the cap.
func NewBudget(maxUSD float64) *Budget {
	return &Budget{maxUSD: maxUSD}
}

func (b *Budget) Add(costUSD float64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.spent += costUSD
	b.mu.Unlock()
}

func (b *Budget) Spent() float64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

func (b *Budget) Max() float64 {
	if b == nil {
		return 0
	}
	return b.maxUSD
}

func (b *Budget) Exceeded() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxUSD > 0 && b.spent > b.maxUSD
}
