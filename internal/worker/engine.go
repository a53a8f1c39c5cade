package worker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/metrics"
)

type SweepOptions struct {
	BatchSize    int           // how many due campaigns to list per poll
	Concurrency  int           // campaigns fired in parallel
	PollInterval time.Duration // how often to poll when work is found
	IdleSleep    time.Duration // sleep when nothing is due
	DBBackoffMin time.Duration
	DBBackoffMax time.Duration
}

func DefaultSweepOptions() SweepOptions {
	return SweepOptions{
		BatchSize:    20,
		Concurrency:  2,
		PollInterval: time.Second,
		IdleSleep:    5 * time.Second,
		DBBackoffMin: 200 * time.Millisecond,
		DBBackoffMax: 10 * time.Second,
	}
}

// DueFunc lists ids of scheduled campaigns whose time has come.
type DueFunc func(ctx context.Context, now time.Time, limit int) ([]string, error)

// FireFunc runs one campaign. It must be safe to call for a campaign that
// another process already fired.
type FireFunc func(ctx context.Context, id string) error

// RunSweeper polls for due campaigns and fires them through a fixed pool
// until ctx is done. A campaign still in flight is never handed out twice by
// this process.
func RunSweeper(ctx context.Context, due DueFunc, fire FireFunc, opt SweepOptions, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = 1
	}

	var inflight sync.Map
	jobs := make(chan string, opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(opt.Concurrency)
	for i := 0; i < opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := fire(ctx, id); err != nil {
					log.Warn("fire campaign", zap.String("campaign_id", id), zap.Error(err))
				}
				inflight.Delete(id)
			}
		}()
	}
	stop := func() error {
		close(jobs)
		wg.Wait()
		return ctx.Err()
	}

	dbBackoff := opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			return stop()
		default:
		}

		ids, err := due(ctx, time.Now(), opt.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return stop()
			}
			metrics.SweepTotal.WithLabelValues("error").Inc()
			var d time.Duration
			d, dbBackoff = Backoff(dbBackoff, opt.DBBackoffMax)
			log.Warn("list due campaigns", zap.Error(err), zap.Duration("backoff", d))
			sleep(ctx, d)
			continue
		}
		dbBackoff = opt.DBBackoffMin
		metrics.SweepBatchSize.Observe(float64(len(ids)))

		if len(ids) == 0 {
			metrics.SweepTotal.WithLabelValues("empty").Inc()
			sleep(ctx, opt.IdleSleep)
			continue
		}
		metrics.SweepTotal.WithLabelValues("ok").Inc()

		for _, id := range ids {
			if _, busy := inflight.LoadOrStore(id, struct{}{}); busy {
				continue
			}
			if ctx.Err() != nil {
				return stop()
			}
			select {
			case <-ctx.Done():
				return stop()
			case jobs <- id:
			}
		}

		sleep(ctx, opt.PollInterval)
	}
}

// Backoff returns the jittered wait for the current delay and the delay to
// use after it, growing exponentially up to limit.
func Backoff(cur, limit time.Duration) (wait, next time.Duration) {
	return jitter(cur, 0.20), minDur(limit, time.Duration(float64(cur)*1.6))
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
