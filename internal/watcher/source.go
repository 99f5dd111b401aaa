package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/EthDevOps/k8s-service-trigger/internal/types"
)

// Terminal classifications for a Stream. The orchestrator switches on these
// to decide between plain reconnect, tokenless relist, and process exit.
var (
	// ErrResumeExpired means the upstream no longer has history for the
	// resume token (HTTP 410). Reopen without a token; this is expected.
	ErrResumeExpired = errors.New("watch resume token expired")

	// ErrUnauthorized means the watch credentials lack list/watch access.
	// Nothing useful can happen without read access, so this is fatal.
	ErrUnauthorized = errors.New("watch unauthorized")

	// ErrLivenessExpired means no event or bookmark arrived within the
	// liveness timeout and the connection was torn down as stale.
	ErrLivenessExpired = errors.New("watch liveness timeout")
)

const defaultLivenessTimeout = 5 * time.Minute

// SourceOptions configures a Source.
type SourceOptions struct {
	// LivenessTimeout forces a reconnect when no notification and no
	// bookmark arrives for this long. Zero means the default (5m).
	LivenessTimeout time.Duration
}

// Source opens resumable watch streams over LoadBalancer Services in all
// namespaces. A Source is reused across reconnects so that the sequence
// tokens it stamps on events stay monotonic for the process lifetime.
type Source struct {
	client          kubernetes.Interface
	logger          *zap.Logger
	livenessTimeout time.Duration
	seq             atomic.Uint64
}

// NewSource creates a Source backed by the given clientset.
func NewSource(client kubernetes.Interface, logger *zap.Logger, opts SourceOptions) *Source {
	timeout := opts.LivenessTimeout
	if timeout == 0 {
		timeout = defaultLivenessTimeout
	}
	return &Source{
		client:          client,
		logger:          logger.Named("watcher"),
		livenessTimeout: timeout,
	}
}

// Stream is one live subscription. Events() closes when the subscription
// terminates; Err() then reports the terminal classification. A Stream is not
// restartable — call Source.Open again, passing ResumeToken().
type Stream struct {
	events chan types.ChangeEvent

	mu    sync.Mutex
	token string
	err   error
}

// Events returns the lazy sequence of change notifications. The consumer
// controls pacing; the channel is unbuffered.
func (st *Stream) Events() <-chan types.ChangeEvent { return st.events }

// Err returns the terminal error. Valid once Events() is closed.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// ResumeToken returns the latest resource version observed on this stream,
// suitable for passing to a subsequent Open.
func (st *Stream) ResumeToken() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.token
}

func (st *Stream) setToken(rv string) {
	if rv == "" {
		return
	}
	st.mu.Lock()
	st.token = rv
	st.mu.Unlock()
}

func (st *Stream) terminate(err error) {
	st.mu.Lock()
	st.err = err
	st.mu.Unlock()
	close(st.events)
}

// Open starts a new subscription. With an empty resumeToken it lists the
// current Services first and emits them as synthetic Created events, then
// switches to live notifications from the list's resource version. With a
// token it resumes the watch directly. A token the upstream has already
// compacted away surfaces as ErrResumeExpired.
func (s *Source) Open(ctx context.Context, resumeToken string) (*Stream, error) {
	st := &Stream{
		events: make(chan types.ChangeEvent),
		token:  resumeToken,
	}

	var listed []types.ServiceSnapshot
	if resumeToken == "" {
		list, err := s.client.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, s.classifyOpenError("list services", err)
		}
		for i := range list.Items {
			svc := &list.Items[i]
			if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
				continue
			}
			listed = append(listed, types.SnapshotFromService(svc))
		}
		st.token = list.ResourceVersion
	}

	w, err := s.client.CoreV1().Services(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		ResourceVersion:     st.ResumeToken(),
		AllowWatchBookmarks: true,
	})
	if err != nil {
		if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
			return nil, fmt.Errorf("%w: %s", ErrResumeExpired, err)
		}
		return nil, s.classifyOpenError("watch services", err)
	}

	s.logger.Info("Watch stream opened",
		zap.String("resume_token", st.ResumeToken()),
		zap.Int("listed", len(listed)),
	)
	watchOpens.Inc()

	go s.run(ctx, st, w, listed)
	return st, nil
}

// classifyOpenError maps API errors at open time onto the terminal taxonomy.
func (s *Source) classifyOpenError(op string, err error) error {
	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return fmt.Errorf("%w: %s: %s", ErrUnauthorized, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// run pumps the underlying watch into the stream until it terminates. The
// listed snapshots are replayed as synthetic Created events first, subject to
// the same backpressure as live events.
func (s *Source) run(ctx context.Context, st *Stream, w watch.Interface, listed []types.ServiceSnapshot) {
	defer w.Stop()

	for _, snap := range listed {
		ev := types.ChangeEvent{Kind: types.ChangeCreated, Snapshot: snap, Seq: s.seq.Add(1)}
		select {
		case st.events <- ev:
			eventsObserved.WithLabelValues(string(ev.Kind)).Inc()
		case <-ctx.Done():
			st.terminate(ctx.Err())
			return
		}
	}

	liveness := time.NewTimer(s.livenessTimeout)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			st.terminate(ctx.Err())
			return

		case <-liveness.C:
			watchTerminations.WithLabelValues("liveness").Inc()
			st.terminate(ErrLivenessExpired)
			return

		case raw, ok := <-w.ResultChan():
			if !ok {
				// Upstream closed the connection.
				watchTerminations.WithLabelValues("closed").Inc()
				st.terminate(fmt.Errorf("watch connection closed"))
				return
			}
			if !liveness.Stop() {
				<-liveness.C
			}
			liveness.Reset(s.livenessTimeout)

			if done := s.deliver(ctx, st, raw); done {
				return
			}
		}
	}
}

// deliver converts one raw watch event and pushes it to the consumer.
// Returns true when the stream has terminated.
func (s *Source) deliver(ctx context.Context, st *Stream, raw watch.Event) bool {
	switch raw.Type {
	case watch.Bookmark:
		if obj, ok := raw.Object.(metav1.Object); ok {
			st.setToken(obj.GetResourceVersion())
		}
		return false

	case watch.Error:
		status := apierrors.FromObject(raw.Object)
		watchTerminations.WithLabelValues("error").Inc()
		switch {
		case apierrors.IsResourceExpired(status) || apierrors.IsGone(status):
			st.terminate(fmt.Errorf("%w: %s", ErrResumeExpired, status))
		case apierrors.IsUnauthorized(status) || apierrors.IsForbidden(status):
			st.terminate(fmt.Errorf("%w: %s", ErrUnauthorized, status))
		default:
			st.terminate(fmt.Errorf("watch error event: %w", status))
		}
		return true

	case watch.Added, watch.Modified, watch.Deleted:
		svc, ok := raw.Object.(*corev1.Service)
		if !ok {
			// Data error: drop the offending notification, keep watching.
			s.logger.Warn("Unexpected object type on watch stream",
				zap.String("event_type", string(raw.Type)))
			eventsDropped.WithLabelValues("malformed").Inc()
			return false
		}
		st.setToken(svc.ResourceVersion)
		if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
			eventsDropped.WithLabelValues("not_loadbalancer").Inc()
			return false
		}

		ev := types.ChangeEvent{
			Kind:     kindFor(raw.Type),
			Snapshot: types.SnapshotFromService(svc),
			Seq:      s.seq.Add(1),
		}
		select {
		case st.events <- ev:
			eventsObserved.WithLabelValues(string(ev.Kind)).Inc()
			return false
		case <-ctx.Done():
			st.terminate(ctx.Err())
			return true
		}

	default:
		return false
	}
}

func kindFor(t watch.EventType) types.ChangeKind {
	switch t {
	case watch.Added:
		return types.ChangeCreated
	case watch.Deleted:
		return types.ChangeDeleted
	default:
		return types.ChangeUpdated
	}
}
