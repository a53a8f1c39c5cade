package dispatch

import "sync"

// Totals are the campaign counters produced by a run. Delivered mirrors Sent
// because only gateway acceptance is observed.
type Totals struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Aggregator folds per-destination outcomes from concurrent workers.
type Aggregator struct {
	mu      sync.Mutex
	success int
	failure int
	invalid []string
}

func NewAggregator() *Aggregator { return &Aggregator{} }

func (a *Aggregator) RecordSuccess(n int) {
	a.mu.Lock()
	a.success += n
	a.mu.Unlock()
}

func (a *Aggregator) RecordFailure(n int) {
	a.mu.Lock()
	a.failure += n
	a.mu.Unlock()
}

// RecordInvalid counts a failure and remembers the dead token.
func (a *Aggregator) RecordInvalid(token string) {
	a.mu.Lock()
	a.failure++
	a.invalid = append(a.invalid, token)
	a.mu.Unlock()
}

func (a *Aggregator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Totals{Sent: a.success, Delivered: a.success, Failed: a.failure}
}

func (a *Aggregator) Attempted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.success + a.failure
}

// InvalidTokens returns a copy of the tokens the gateway rejected as dead.
func (a *Aggregator) InvalidTokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.invalid))
	copy(out, a.invalid)
	return out
}
