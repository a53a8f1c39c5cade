// Package dispatch fans notification content out to the push gateway and
// aggregates the outcome.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/push-dispatch/internal/core"
	"github.com/Cypherspark/push-dispatch/internal/metrics"
	"github.com/Cypherspark/push-dispatch/internal/personalize"
	"github.com/Cypherspark/push-dispatch/internal/provider"
	"github.com/Cypherspark/push-dispatch/internal/tokens"
)

type Options struct {
	ChunkSize               int           // destinations per multicast, capped at provider.MaxMulticast
	BulkConcurrency         int           // multicast calls in flight
	PersonalizedConcurrency int           // single sends in flight
	QPS                     float64       // sustained gateway call rate; <= 0 means unlimited
	Burst                   int           // burst to allow short spikes
	SendTimeout             time.Duration // per-call timeout
}

func DefaultOptions() Options {
	return Options{
		ChunkSize:               provider.MaxMulticast,
		BulkConcurrency:         4,
		PersonalizedConcurrency: 16,
		QPS:                     500,
		Burst:                   1000,
		SendTimeout:             10 * time.Second,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.ChunkSize <= 0 || o.ChunkSize > provider.MaxMulticast {
		o.ChunkSize = d.ChunkSize
	}
	if o.BulkConcurrency <= 0 {
		o.BulkConcurrency = d.BulkConcurrency
	}
	if o.PersonalizedConcurrency <= 0 {
		o.PersonalizedConcurrency = d.PersonalizedConcurrency
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	return o
}

// Delivery is one rendered message bound to one destination.
type Delivery struct {
	Token   string
	Content core.Content
}

type Dispatcher struct {
	gw      provider.Gateway
	opt     Options
	limiter *rate.Limiter
	log     *zap.Logger
	tracer  trace.Tracer
}

// New builds a dispatcher. The limiter is shared by every call made through
// it, in both modes.
func New(gw provider.Gateway, opt Options, log *zap.Logger) *Dispatcher {
	opt = opt.normalized()
	limit := rate.Inf
	if opt.QPS > 0 {
		limit = rate.Limit(opt.QPS)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		gw:      gw,
		opt:     opt,
		limiter: rate.NewLimiter(limit, opt.Burst),
		log:     log,
		tracer:  otel.Tracer("github.com/Cypherspark/push-dispatch/internal/dispatch"),
	}
}

func (d *Dispatcher) Options() Options { return d.opt }

// Bulk sends one identical message to every token, ChunkSize tokens per
// multicast. A failed multicast counts its whole chunk as failed and does not
// stop the other chunks.
func (d *Dispatcher) Bulk(ctx context.Context, toks []string, c core.Content, agg *Aggregator) {
	chunks := Chunk(toks, d.opt.ChunkSize)
	ctx, span := d.tracer.Start(ctx, "dispatch.bulk", trace.WithAttributes(
		attribute.Int("tokens", len(toks)),
		attribute.Int("chunks", len(chunks)),
	))
	defer span.End()

	msg := provider.MessageFrom(c)
	var g errgroup.Group
	g.SetLimit(d.opt.BulkConcurrency)
	for _, chunk := range chunks {
		g.Go(func() error {
			d.sendChunk(ctx, chunk, msg, agg)
			return nil
		})
	}
	_ = g.Wait()
	t := agg.Totals()
	span.SetAttributes(attribute.Int("sent", t.Sent), attribute.Int("failed", t.Failed))
}

func (d *Dispatcher) sendChunk(ctx context.Context, chunk []string, msg provider.Message, agg *Aggregator) {
	if err := d.limiter.Wait(ctx); err != nil {
		d.chunkFailed(chunk, err, agg)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, d.opt.SendTimeout)
	defer cancel()

	start := time.Now()
	resp, err := d.gw.SendMulticast(cctx, chunk, msg)
	metrics.GatewayDuration.WithLabelValues(personalize.Bulk.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		d.chunkFailed(chunk, err, agg)
		return
	}
	metrics.GatewayCalls.WithLabelValues(personalize.Bulk.String(), "ok").Inc()

	for i, tok := range chunk {
		if i >= len(resp.Responses) {
			agg.RecordFailure(1)
			metrics.GatewayDestinations.WithLabelValues("failure").Inc()
			continue
		}
		d.record(tok, resp.Responses[i].Err, agg)
	}
}

func (d *Dispatcher) chunkFailed(chunk []string, err error, agg *Aggregator) {
	derr := &core.DispatchError{Destinations: len(chunk), Err: err}
	d.log.Warn("multicast failed", zap.Error(derr))
	metrics.GatewayCalls.WithLabelValues(personalize.Bulk.String(), "error").Inc()
	metrics.GatewayDestinations.WithLabelValues("failure").Add(float64(len(chunk)))
	agg.RecordFailure(len(chunk))
}

func (d *Dispatcher) record(tok string, err error, agg *Aggregator) {
	switch {
	case err == nil:
		agg.RecordSuccess(1)
		metrics.GatewayDestinations.WithLabelValues("success").Inc()
	case provider.IsInvalidDestination(err):
		agg.RecordInvalid(tok)
		metrics.GatewayDestinations.WithLabelValues("invalid").Inc()
	default:
		agg.RecordFailure(1)
		metrics.GatewayDestinations.WithLabelValues("failure").Inc()
	}
}

// Personalized sends each delivery with its own call through a fixed pool of
// PersonalizedConcurrency workers.
func (d *Dispatcher) Personalized(ctx context.Context, deliveries []Delivery, agg *Aggregator) {
	ctx, span := d.tracer.Start(ctx, "dispatch.personalized", trace.WithAttributes(
		attribute.Int("tokens", len(deliveries)),
	))
	defer span.End()

	workers := d.opt.PersonalizedConcurrency
	if workers > len(deliveries) {
		workers = len(deliveries)
	}
	jobs := make(chan Delivery, workers*2)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for job := range jobs {
				d.sendOne(ctx, job, agg)
			}
		}()
	}
	for _, job := range deliveries {
		jobs <- job
	}
	close(jobs)
	wg.Wait()

	t := agg.Totals()
	span.SetAttributes(attribute.Int("sent", t.Sent), attribute.Int("failed", t.Failed))
}

func (d *Dispatcher) sendOne(ctx context.Context, job Delivery, agg *Aggregator) {
	mode := personalize.Personalized.String()
	if err := d.limiter.Wait(ctx); err != nil {
		metrics.GatewayCalls.WithLabelValues(mode, "error").Inc()
		d.record(job.Token, err, agg)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, d.opt.SendTimeout)
	defer cancel()

	start := time.Now()
	err := d.gw.Send(cctx, job.Token, provider.MessageFrom(job.Content))
	metrics.GatewayDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(mode, "error").Inc()
		if !provider.IsInvalidDestination(err) {
			d.log.Debug("send failed", zap.Error(&core.DispatchError{Destinations: 1, Err: err}))
		}
	} else {
		metrics.GatewayCalls.WithLabelValues(mode, "ok").Inc()
	}
	d.record(job.Token, err, agg)
}

// Render builds the per-token deliveries for a directory. Content is rendered
// once per recipient and shared by the tokens that recipient owns; a token
// shared with an earlier recipient gets that recipient's content only.
func Render(dir *tokens.Directory, c core.Content) []Delivery {
	owned := dir.Owned()
	out := make([]Delivery, 0, dir.TokenCount())
	for _, id := range dir.Order {
		toks := owned[id]
		if len(toks) == 0 {
			continue
		}
		rendered := personalize.Render(c, dir.Profiles[id])
		for _, tok := range toks {
			out = append(out, Delivery{Token: tok, Content: rendered})
		}
	}
	return out
}

// Chunk splits toks into consecutive slices of at most size elements.
func Chunk(toks []string, size int) [][]string {
	if size <= 0 {
		size = provider.MaxMulticast
	}
	out := make([][]string, 0, (len(toks)+size-1)/size)
	for start := 0; start < len(toks); start += size {
		end := min(start+size, len(toks))
		out = append(out, toks[start:end])
	}
	return out
}
