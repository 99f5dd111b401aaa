// Package controller wires the watch source, classifier, debounce window, and
// workflow dispatcher into one continuously running loop.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/EthDevOps/k8s-service-trigger/internal/classifier"
	"github.com/EthDevOps/k8s-service-trigger/internal/debounce"
	"github.com/EthDevOps/k8s-service-trigger/internal/types"
	"github.com/EthDevOps/k8s-service-trigger/internal/watcher"
)

// State is the orchestrator's lifecycle phase.
type State string

const (
	StateStarting     State = "Starting"
	StateWatching     State = "Watching"
	StateReconnecting State = "Reconnecting"
	StateBackoff      State = "Backoff"
	StateStopped      State = "Stopped"
)

// Stream is the consumed surface of a watch subscription.
type Stream interface {
	Events() <-chan types.ChangeEvent
	Err() error
	ResumeToken() string
}

// Source opens watch streams. *watcher.Source satisfies this via SourceFunc.
type Source interface {
	Open(ctx context.Context, resumeToken string) (Stream, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, resumeToken string) (Stream, error)

func (f SourceFunc) Open(ctx context.Context, resumeToken string) (Stream, error) {
	return f(ctx, resumeToken)
}

// Dispatcher performs the outbound trigger call for one admitted intent.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent types.TriggerIntent) types.DispatchRecord
}

// Options configures an Orchestrator.
type Options struct {
	// ReconnectBackoffBase and ReconnectBackoffCap shape the delay between
	// failed reopen attempts. The delay grows with consecutive failures and
	// resets after any successful watching period.
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration
	// TriggersPerMinute bounds overall dispatch throughput toward the
	// external system. Zero means 30.
	TriggersPerMinute int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ReconnectBackoffBase: time.Second,
		ReconnectBackoffCap:  time.Minute,
		TriggersPerMinute:    30,
	}
}

const recentRecordsCap = 128

// Orchestrator owns the pipeline's lifetime. The classifier and window are
// mutated only from its consumer loop; admitted intents dispatch on
// goroutines so one slow external call does not stall unrelated triggers.
// The window's atomic admission is the same-key serialization point.
type Orchestrator struct {
	logger     *zap.Logger
	source     Source
	classifier *classifier.Classifier
	window     *debounce.Window
	dispatcher Dispatcher
	limiter    *rate.Limiter

	backoffBase time.Duration
	backoffCap  time.Duration

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup

	mu      sync.Mutex
	state   State
	ready   bool
	records []types.DispatchRecord
}

// New creates an Orchestrator.
func New(
	logger *zap.Logger,
	source Source,
	cls *classifier.Classifier,
	window *debounce.Window,
	dispatcher Dispatcher,
	opts Options,
) *Orchestrator {
	if opts.ReconnectBackoffBase <= 0 {
		opts.ReconnectBackoffBase = time.Second
	}
	if opts.ReconnectBackoffCap <= 0 {
		opts.ReconnectBackoffCap = time.Minute
	}
	if opts.TriggersPerMinute <= 0 {
		opts.TriggersPerMinute = 30
	}
	return &Orchestrator{
		logger:      logger.Named("orchestrator"),
		source:      source,
		classifier:  cls,
		window:      window,
		dispatcher:  dispatcher,
		limiter:     rate.NewLimiter(rate.Limit(float64(opts.TriggersPerMinute)/60.0), max(1, opts.TriggersPerMinute/10)),
		backoffBase: opts.ReconnectBackoffBase,
		backoffCap:  opts.ReconnectBackoffCap,
		now:         time.Now,
		sleep:       sleepContext,
		state:       StateStarting,
	}
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Ready reports whether the orchestrator has reached Watching at least once.
// Used by the readiness probe.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// Records returns the most recent dispatch records, newest last.
func (o *Orchestrator) Records() []types.DispatchRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.DispatchRecord, len(o.records))
	copy(out, o.records)
	return out
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	if s == StateWatching {
		o.ready = true
	}
	o.mu.Unlock()
	stateTransitions.WithLabelValues(string(s)).Inc()
}

// Run drives the watch-reconcile-dispatch loop until ctx is cancelled or the
// watch source fails with an unauthorized classification. On shutdown it
// waits for in-flight dispatch attempts to finish their current try.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer func() {
		o.setState(StateStopped)
		o.wg.Wait()
		o.logger.Info("Orchestrator stopped")
	}()

	resumeToken := ""
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		stream, err := o.source.Open(ctx, resumeToken)
		if err != nil {
			switch {
			case errors.Is(err, watcher.ErrUnauthorized):
				o.logger.Error("Watch source unauthorized, giving up", zap.Error(err))
				return err
			case errors.Is(err, watcher.ErrResumeExpired):
				// Expected after long disconnects: fall back to a full
				// listing without burning a backoff slot.
				o.logger.Warn("Resume token expired, relisting", zap.Error(err))
				relists.Inc()
				resumeToken = ""
				continue
			case ctx.Err() != nil:
				return nil
			}

			failures++
			delay := o.reconnectDelay(failures)
			o.logger.Warn("Watch open failed, backing off",
				zap.Int("consecutive_failures", failures),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			o.setState(StateBackoff)
			if err := o.sleep(ctx, delay); err != nil {
				return nil
			}
			o.setState(StateReconnecting)
			continue
		}

		failures = 0
		o.setState(StateWatching)

		for ev := range stream.Events() {
			o.handleEvent(ctx, ev)
		}

		resumeToken = stream.ResumeToken()
		switch err := stream.Err(); {
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			return nil
		case errors.Is(err, watcher.ErrUnauthorized):
			o.logger.Error("Watch stream unauthorized, giving up", zap.Error(err))
			return err
		case errors.Is(err, watcher.ErrResumeExpired):
			o.logger.Warn("Watch history expired mid-stream, relisting", zap.Error(err))
			relists.Inc()
			resumeToken = ""
		default:
			o.logger.Info("Watch stream ended, reconnecting",
				zap.String("resume_token", resumeToken),
				zap.Error(err),
			)
		}
		reconnects.Inc()
		o.setState(StateReconnecting)
	}
}

// handleEvent runs the classify → admit → dispatch pipeline for one event.
// Classification and admission are strictly sequential; only the dispatch
// call runs concurrently.
func (o *Orchestrator) handleEvent(ctx context.Context, ev types.ChangeEvent) {
	intent, significant := o.classifier.Classify(ev)
	if ev.Kind == types.ChangeDeleted {
		// Drop stale admissions so a recreated Service is not suppressed
		// by its predecessor's window.
		o.window.Forget(ev.Snapshot.Identity)
	}
	if !significant {
		intentsDropped.WithLabelValues("insignificant").Inc()
		return
	}

	if !o.window.Admit(intent.Key(), o.now()) {
		intentsDropped.WithLabelValues("debounced").Inc()
		o.logger.Debug("Trigger suppressed by debounce window",
			zap.String("service", intent.Identity.String()),
			zap.String("kind", string(intent.Kind)),
		)
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.limiter.Wait(ctx); err != nil {
			intentsDropped.WithLabelValues("shutdown").Inc()
			return
		}
		record := o.dispatcher.Dispatch(ctx, intent)
		o.recordOutcome(record)
	}()
}

func (o *Orchestrator) recordOutcome(record types.DispatchRecord) {
	o.mu.Lock()
	o.records = append(o.records, record)
	if len(o.records) > recentRecordsCap {
		o.records = o.records[len(o.records)-recentRecordsCap:]
	}
	o.mu.Unlock()
}

// reconnectDelay grows exponentially with consecutive failures, capped.
func (o *Orchestrator) reconnectDelay(failures int) time.Duration {
	d := o.backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= o.backoffCap {
			return o.backoffCap
		}
	}
	if d > o.backoffCap {
		return o.backoffCap
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
