// Package batch runs multi-file vault operations on a bounded worker
// pool, reporting progress and collecting a per-item outcome summary.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Kind identifies the operation a batch performs.
type Kind string

const (
	KindDownload Kind = "download"
	KindDelete   Kind = "delete"
	KindAdd      Kind = "add"
	KindMove     Kind = "move"
	KindCheckout Kind = "checkout"
	KindCheckin  Kind = "checkin"
)

const (
	defaultConcurrency = 4
	maxConcurrency     = 8
)

// ErrSkip is returned by a Worker to mark an item as skipped rather
// than failed.
var ErrSkip = errors.New("batch: item skipped")

// Item is a single unit of work within a batch.
type Item struct {
	Path  string
	Bytes int64
}

// Result records the outcome for one item. Results keep the order of
// the input items regardless of which worker finished first.
type Result struct {
	Path    string
	Bytes   int64
	Skipped bool
	Err     error
}

// Worker performs the operation for one item and returns the number of
// bytes it moved.
type Worker func(ctx context.Context, item Item) (int64, error)

// Progress is a point-in-time snapshot emitted while a batch runs.
type Progress struct {
	Done    int
	Total   int
	Percent float64
	Bytes   int64
	Rate    float64
}

// Summary aggregates a finished batch.
type Summary struct {
	Kind      Kind
	Succeeded int
	Failed    int
	Skipped   int
	Results   []Result
}

// Message renders the single line shown to the user when the batch
// completes.
func (s Summary) Message() string {
	if s.Failed == 0 && s.Skipped == 0 {
		return fmt.Sprintf("%s: %d items completed", s.Kind, s.Succeeded)
	}

	return fmt.Sprintf("%s: %d completed, %d failed, %d skipped", s.Kind, s.Succeeded, s.Failed, s.Skipped)
}

// Executor runs batches with a fixed concurrency limit.
type Executor struct {
	concurrency int
	logger      *slog.Logger
}

// NewExecutor clamps concurrency into [1, maxConcurrency]. Zero means
// the default.
func NewExecutor(concurrency int, logger *slog.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}

	return &Executor{concurrency: concurrency, logger: logger}
}

// Run executes work for every item and returns once all in-flight
// items have finished. Cancellation is cooperative: items not yet
// started are marked skipped with the context error, items already
// running complete normally. When progress is non-nil a snapshot is
// sent after every item; sends never block, a slow receiver just sees
// fewer snapshots. The channel is closed before Run returns.
func (e *Executor) Run(ctx context.Context, kind Kind, items []Item, work Worker, progress chan<- Progress) Summary {
	if progress != nil {
		defer close(progress)
	}

	results := make([]Result, len(items))
	track := newTracker(len(items))

	g := &errgroup.Group{}
	g.SetLimit(e.concurrency)

	for i, item := range items {
		i, item := i, item

		if err := ctx.Err(); err != nil {
			results[i] = Result{Path: item.Path, Skipped: true, Err: err}
			emit(progress, track.finish(0))
			continue
		}

		g.Go(func() error {
			n, err := work(ctx, item)
			results[i] = Result{Path: item.Path, Bytes: n, Err: err}

			if errors.Is(err, ErrSkip) {
				results[i].Skipped = true
				results[i].Err = nil
			}

			snap := track.finish(n)
			emit(progress, snap)

			return nil
		})
	}

	// Workers never return errors; outcomes land in results.
	_ = g.Wait()

	summary := Summary{Kind: kind, Results: results}

	for _, r := range results {
		switch {
		case r.Skipped:
			summary.Skipped++
		case r.Err != nil:
			summary.Failed++
			e.logger.Warn("batch item failed",
				slog.String("kind", string(kind)),
				slog.String("path", r.Path),
				slog.String("error", r.Err.Error()),
			)
		default:
			summary.Succeeded++
		}
	}

	return summary
}

func emit(progress chan<- Progress, snap Progress) {
	if progress == nil {
		return
	}

	select {
	case progress <- snap:
	default:
	}
}

// tracker accumulates completion counts and a smoothed byte rate.
type tracker struct {
	mu    sync.Mutex
	done  int
	total int
	bytes int64
	rate  *rateMeter
}

func newTracker(total int) *tracker {
	return &tracker{total: total, rate: newRateMeter()}
}

func (t *tracker) finish(bytes int64) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done++
	t.bytes += bytes
	t.rate.add(bytes)

	percent := 100.0
	if t.total > 0 {
		percent = float64(t.done) / float64(t.total) * 100
	}

	return Progress{
		Done:    t.done,
		Total:   t.total,
		Percent: percent,
		Bytes:   t.bytes,
		Rate:    t.rate.value(),
	}
}

// rateMeter is an exponentially weighted moving average of byte
// throughput. Early samples lean on the all-time average so the first
// few items do not produce a wild estimate.
type rateMeter struct {
	start   time.Time
	last    time.Time
	total   int64
	ewma    float64
	samples int
}

const ewmaAlpha = 0.3

func newRateMeter() *rateMeter {
	now := time.Now()
	return &rateMeter{start: now, last: now}
}

func (m *rateMeter) add(bytes int64) {
	now := time.Now()
	dt := now.Sub(m.last).Seconds()
	m.last = now
	m.total += bytes
	m.samples++

	if dt <= 0 {
		return
	}

	instant := float64(bytes) / dt
	if m.samples == 1 {
		m.ewma = instant
		return
	}

	m.ewma = ewmaAlpha*instant + (1-ewmaAlpha)*m.ewma
}

func (m *rateMeter) value() float64 {
	elapsed := m.last.Sub(m.start).Seconds()
	if elapsed <= 0 || m.samples < 3 {
		if elapsed > 0 {
			return float64(m.total) / elapsed
		}
		return m.ewma
	}

	// Blend the smoothed instant rate with the lifetime average.
	lifetime := float64(m.total) / elapsed
	return 0.5*m.ewma + 0.5*lifetime
}
