package ratewatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultWindow    = 2 * time.Second
	DefaultThreshold = 3

	defaultTimeout = 500 * time.Millisecond
)

// Recorder receives burst counters.
type Recorder interface {
	BurstFlagged()
	ReviewPublishFailed()
}

type nopRecorder struct{}

func (nopRecorder) BurstFlagged() {}
func (nopRecorder) ReviewPublishFailed() {}

// Watcher applies the burst threshold to a Counter and fans flags out to reporters.
type Watcher struct {
	counter   Counter
	reporters []Reporter
	metrics   Recorder
	log       *slog.Logger

	window    time.Duration
	threshold int
	timeout   time.Duration
}

// Option configures the Watcher.
type Option func(*Watcher)

// WithWindow sets the trailing window and the count above which a burst is flagged.
func WithWindow(window time.Duration, threshold int) Option {
	return func(w *Watcher) {
		if window > 0 {
			w.window = window
		}
		if threshold > 0 {
			w.threshold = threshold
		}
	}
}

func WithReporters(rs ...Reporter) Option {
	return func(w *Watcher) {
		for _, r := range rs {
			if r != nil {
				w.reporters = append(w.reporters, r)
			}
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(w *Watcher) {
		if r != nil {
			w.metrics = r
		}
	}
}

// WithTimeout bounds each count-and-report cycle. Observe runs inline on the
// redemption path, so this is also the most a slow counter or reporter adds
// to a successful scan before the watcher gives up and fails open.
func WithTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// New constructs a Watcher over counter.
func New(counter Counter, log *slog.Logger, opts ...Option) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		counter:   counter,
		metrics:   nopRecorder{},
		log:       log,
		window:    DefaultWindow,
		threshold: DefaultThreshold,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Check counts redemptions for classID in the window ending at `at` and reports
// whether the count exceeds the threshold.
func (w *Watcher) Check(ctx context.Context, classID int64, at time.Time) (int, bool, error) {
	n, err := w.counter.Count(ctx, classID, at, w.window)
	if err != nil {
		return 0, false, fmt.Errorf("ratewatch: count class %d: %w", classID, err)
	}
	return n, n > w.threshold, nil
}

// Observe runs Check and reports a flag when needed. It never fails: errors
// are logged. The request context's cancellation is ignored so a client that
// hangs up right after scanning is still counted.
func (w *Watcher) Observe(ctx context.Context, classID int64, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()

	n, flagged, err := w.Check(ctx, classID, at)
	if err != nil {
		w.log.Warn("ratewatch.count.fail", "class_id", classID, "err", err)
		return
	}
	if !flagged {
		return
	}

	w.metrics.BurstFlagged()
	f := Flag{
		ClassID:   classID,
		Count:     n,
		Threshold: w.threshold,
		Window:    w.window,
		WindowMS:  w.window.Milliseconds(),
		At:        at,
	}
	for _, r := range w.reporters {
		if err := r.Report(ctx, f); err != nil {
			w.metrics.ReviewPublishFailed()
			w.log.Warn("ratewatch.report.fail", "class_id", classID, "err", err)
		}
	}
}
