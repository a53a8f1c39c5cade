// Package tokens fetches delivery tokens and profiles for resolved recipients.
package tokens

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Cypherspark/push-dispatch/internal/core"
)

// MaxLookupBatch bounds the ids sent to the store in one point lookup.
const MaxLookupBatch = 10

const defaultConcurrency = 8

type Store interface {
	Recipients(ctx context.Context, ids []string) ([]core.Recipient, error)
}

// Directory is the lookup result for one run. Every requested id ends up in
// exactly one of Tokens or Unreachable.
type Directory struct {
	Tokens        map[string][]string
	Profiles      map[string]core.Profile
	Unreachable   []string
	FailedLookups int
	// Order keeps reachable ids in request order.
	Order []string
}

// A run delivers to each distinct token once. A token shared by several
// recipients belongs to the first of them in request order, so TokenCount,
// AllTokens and Owned all describe the same set of destinations.

// TokenCount is the number of distinct destinations across all reachable
// recipients.
func (d *Directory) TokenCount() int {
	n := 0
	d.each(func(string, string) { n++ })
	return n
}

// AllTokens flattens distinct tokens in request order.
func (d *Directory) AllTokens() []string {
	var out []string
	d.each(func(_, tok string) { out = append(out, tok) })
	return out
}

// Owned returns the tokens of id that no earlier recipient already owns.
func (d *Directory) Owned() map[string][]string {
	out := make(map[string][]string, len(d.Order))
	d.each(func(id, tok string) { out[id] = append(out[id], tok) })
	return out
}

func (d *Directory) each(fn func(id, tok string)) {
	seen := make(map[string]struct{})
	for _, id := range d.Order {
		for _, t := range d.Tokens[id] {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			fn(id, t)
		}
	}
}

type Accessor struct {
	Store       Store
	Concurrency int
	Log         *zap.Logger
	// OnLookupError is called once per failed group, if set.
	OnLookupError func(err *core.TokenLookupError)
}

func NewAccessor(s Store, log *zap.Logger) *Accessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accessor{Store: s, Concurrency: defaultConcurrency, Log: log}
}

// Lookup resolves tokens for ids. A failed group never fails the call; its
// recipients are reported unreachable. Lookup only returns an error when ctx
// is done.
func (a *Accessor) Lookup(ctx context.Context, ids []string) (*Directory, error) {
	groups := split(ids, MaxLookupBatch)
	found := make([][]core.Recipient, len(groups))
	failed := make([]bool, len(groups))

	limit := a.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	failures := 0
	for i, group := range groups {
		g.Go(func() error {
			recs, err := a.Store.Recipients(gctx, group)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				lerr := &core.TokenLookupError{IDs: group, Err: err}
				a.Log.Warn("token lookup failed", zap.Int("recipients", len(group)), zap.Error(lerr))
				if a.OnLookupError != nil {
					a.OnLookupError(lerr)
				}
				mu.Lock()
				failures++
				mu.Unlock()
				failed[i] = true
				return nil
			}
			found[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dir := &Directory{
		Tokens:        make(map[string][]string, len(ids)),
		Profiles:      make(map[string]core.Profile, len(ids)),
		FailedLookups: failures,
	}
	for i, group := range groups {
		byID := make(map[string]core.Recipient, len(found[i]))
		for _, r := range found[i] {
			byID[r.ID] = r
		}
		for _, id := range group {
			r, ok := byID[id]
			if failed[i] || !ok {
				dir.Unreachable = append(dir.Unreachable, id)
				continue
			}
			dir.Profiles[id] = r.Profile
			toks := core.Normalize(r.Tokens)
			if len(toks) == 0 {
				dir.Unreachable = append(dir.Unreachable, id)
				continue
			}
			dir.Tokens[id] = toks
			dir.Order = append(dir.Order, id)
		}
	}
	return dir, nil
}

func split(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
