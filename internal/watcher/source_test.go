package watcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/EthDevOps/k8s-service-trigger/internal/types"
)

func lbService(ns, name, rv, ip string) *corev1.Service {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:       ns,
			Name:            name,
			ResourceVersion: rv,
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeLoadBalancer,
			Ports: []corev1.ServicePort{
				{Port: 80, Protocol: corev1.ProtocolTCP},
			},
		},
	}
	if ip != "" {
		svc.Status.LoadBalancer.Ingress = []corev1.LoadBalancerIngress{{IP: ip}}
	}
	return svc
}

func clusterIPService(ns, name string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name},
		Spec:       corev1.ServiceSpec{Type: corev1.ServiceTypeClusterIP},
	}
}

// newTestSource wires a Source to a fake clientset whose watch calls answer
// from the returned FakeWatcher.
func newTestSource(t *testing.T, liveness time.Duration, objs ...*corev1.Service) (*Source, *watch.FakeWatcher, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	for _, svc := range objs {
		require.NoError(t, client.Tracker().Add(svc))
	}
	fw := watch.NewFakeWithChanSize(16, false)
	client.PrependWatchReactor("services", k8stesting.DefaultWatchReactor(fw, nil))
	src := NewSource(client, zap.NewNop(), SourceOptions{LivenessTimeout: liveness})
	return src, fw, client
}

// collect reads n events or fails after a timeout.
func collect(t *testing.T, st *Stream, n int) []types.ChangeEvent {
	t.Helper()
	out := make([]types.ChangeEvent, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-st.Events():
			require.True(t, ok, "stream ended early: %v", st.Err())
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for events: got %d, want %d", len(out), n)
		}
	}
	return out
}

// waitClosed waits for the stream to terminate.
func waitClosed(t *testing.T, st *Stream) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-st.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestOpen_EmptyTokenListsThenWatches(t *testing.T) {
	src, fw, _ := newTestSource(t, time.Minute,
		lbService("prod", "edge", "100", "203.0.113.7"),
		clusterIPService("prod", "internal"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := src.Open(ctx, "")
	require.NoError(t, err)

	events := collect(t, st, 1)
	assert.Equal(t, types.ChangeCreated, events[0].Kind, "listing is replayed as synthetic Created events")
	assert.Equal(t, "prod/edge", events[0].Snapshot.Identity.String())
	assert.Equal(t, []string{"203.0.113.7"}, events[0].Snapshot.IngressAddresses)
	assert.Equal(t, uint64(1), events[0].Seq)

	fw.Add(lbService("prod", "edge2", "101", "203.0.113.8"))
	live := collect(t, st, 1)
	assert.Equal(t, types.ChangeCreated, live[0].Kind)
	assert.Equal(t, uint64(2), live[0].Seq)
	assert.Equal(t, "101", st.ResumeToken())
}

func TestOpen_ClusterIPServicesFiltered(t *testing.T) {
	src, fw, _ := newTestSource(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := src.Open(ctx, "rv-1")
	require.NoError(t, err)

	fw.Add(clusterIPService("prod", "internal"))
	fw.Modify(lbService("prod", "edge", "7", "203.0.113.7"))

	events := collect(t, st, 1)
	assert.Equal(t, types.ChangeUpdated, events[0].Kind)
	assert.Equal(t, "prod/edge", events[0].Snapshot.Identity.String())
}

func TestStream_EventKindsMapped(t *testing.T) {
	src, fw, _ := newTestSource(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := src.Open(ctx, "rv-1")
	require.NoError(t, err)

	fw.Add(lbService("ns", "a", "1", ""))
	fw.Modify(lbService("ns", "a", "2", "203.0.113.7"))
	fw.Delete(lbService("ns", "a", "3", "203.0.113.7"))

	events := collect(t, st, 3)
	assert.Equal(t, types.ChangeCreated, events[0].Kind)
	assert.Equal(t, types.ChangeUpdated, events[1].Kind)
	assert.Equal(t, types.ChangeDeleted, events[2].Kind)
	assert.True(t, events[2].Snapshot.Provisioned(), "Deleted carries the last-known snapshot")
	assert.Equal(t, "3", st.ResumeToken())
}

func TestStream_SequenceMonotonicAcrossStreams(t *testing.T) {
	src, fw, _ := newTestSource(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := src.Open(ctx, "rv-1")
	require.NoError(t, err)
	fw.Add(lbService("ns", "a", "1", ""))
	first := collect(t, st, 1)
	fw.Stop()
	waitClosed(t, st)

	fw2 := watch.NewFakeWithChanSize(16, false)
	client := fake.NewSimpleClientset()
	client.PrependWatchReactor("services", k8stesting.DefaultWatchReactor(fw2, nil))
	src.client = client

	st2, err := src.Open(ctx, st.ResumeToken())
	require.NoError(t, err)
	fw2.Add(lbService("ns", "b", "2", ""))
	second := collect(t, st2, 1)

	assert.Greater(t, second[0].Seq, first[0].Seq, "sequence tokens survive reconnects")
}

func TestStream_BookmarkAdvancesResumeToken(t *testing.T) {
	src, fw, _ := newTestSource(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := src.Open(ctx, "rv-1")
	require.NoError(t, err)

	fw.Action(watch.Bookmark, &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{ResourceVersion: "42"},
	})
	fw.Add(lbService("ns", "a", "43", ""))

	collect(t, st, 1)
	assert.Equal(t, "43", st.ResumeToken())
}

func TestStream_GoneErrorEventEndsWithResumeExpired(t *testing.T) {
	src, fw, _ := newTestSource(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := src.Open(ctx, "rv-stale")
	require.NoError(t, err)

	status := &apierrors.NewResourceExpired("too old resource version").ErrStatus
	fw.Error(status)

	waitClosed(t, st)
	assert.ErrorIs(t, st.Err(), ErrResumeExpired)
}

func TestStream_ForbiddenErrorEventEndsUnauthorized(t *testing.T) {
	src, fw, _ := newTestSource(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := src.Open(ctx, "rv-1")
	require.NoError(t, err)

	gr := schema.GroupResource{Resource: "services"}
	status := &apierrors.NewForbidden(gr, "", fmt.Errorf("watch not allowed")).ErrStatus
	fw.Error(status)

	waitClosed(t, st)
	assert.ErrorIs(t, st.Err(), ErrUnauthorized)
}

func TestStream_UpstreamCloseIsTransient(t *testing.T) {
	src, fw, _ := newTestSource(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := src.Open(ctx, "rv-1")
	require.NoError(t, err)

	fw.Stop()
	waitClosed(t, st)

	err = st.Err()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, errors.Is(err, ErrResumeExpired))
}

func TestStream_LivenessTimeoutTearsDown(t *testing.T) {
	src, _, _ := newTestSource(t, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := src.Open(ctx, "rv-1")
	require.NoError(t, err)

	waitClosed(t, st)
	assert.ErrorIs(t, st.Err(), ErrLivenessExpired)
}

func TestStream_ContextCancelStopsPromptly(t *testing.T) {
	src, _, _ := newTestSource(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := src.Open(ctx, "rv-1")
	require.NoError(t, err)

	cancel()
	waitClosed(t, st)
	assert.ErrorIs(t, st.Err(), context.Canceled)
}

func TestOpen_ForbiddenListIsUnauthorized(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("list", "services", func(k8stesting.Action) (bool, runtime.Object, error) {
		gr := schema.GroupResource{Resource: "services"}
		return true, nil, apierrors.NewForbidden(gr, "", fmt.Errorf("no list access"))
	})
	src := NewSource(client, zap.NewNop(), SourceOptions{})

	_, err := src.Open(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestOpen_GoneWatchReportsResumeExpired(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependWatchReactor("services", func(k8stesting.Action) (bool, watch.Interface, error) {
		return true, nil, apierrors.NewResourceExpired("history compacted")
	})
	src := NewSource(client, zap.NewNop(), SourceOptions{})

	_, err := src.Open(context.Background(), "rv-ancient")
	assert.ErrorIs(t, err, ErrResumeExpired)
}
