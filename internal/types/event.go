package types

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
)

// ChangeKind categorizes what happened to a watched Service.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "Created"
	ChangeUpdated ChangeKind = "Updated"
	ChangeDeleted ChangeKind = "Deleted"
)

// Identity names a Service uniquely within the cluster.
type Identity struct {
	Namespace string
	Name      string
}

func (id Identity) String() string {
	return id.Namespace + "/" + id.Name
}

// ServiceSnapshot is an immutable view of a LoadBalancer Service at one point
// in the watch stream. Later snapshots of the same Identity supersede it.
type ServiceSnapshot struct {
	Identity        Identity
	UID             k8stypes.UID
	ResourceVersion string

	// Externally visible state of the load balancer.
	IngressAddresses      []string // assigned external IPs/hostnames, sorted
	Ports                 []string // "port/protocol[->nodePort]", sorted
	ExternalTrafficPolicy string
	ClusterIP             string

	Deleting bool // deletion timestamp set
}

// SnapshotFromService extracts the watched state from a Service object.
// The caller has already filtered to spec.type=LoadBalancer.
func SnapshotFromService(svc *corev1.Service) ServiceSnapshot {
	snap := ServiceSnapshot{
		Identity:              Identity{Namespace: svc.Namespace, Name: svc.Name},
		UID:                   svc.UID,
		ResourceVersion:       svc.ResourceVersion,
		ExternalTrafficPolicy: string(svc.Spec.ExternalTrafficPolicy),
		ClusterIP:             svc.Spec.ClusterIP,
		Deleting:              svc.DeletionTimestamp != nil,
	}
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			snap.IngressAddresses = append(snap.IngressAddresses, ing.IP)
		}
		if ing.Hostname != "" {
			snap.IngressAddresses = append(snap.IngressAddresses, ing.Hostname)
		}
	}
	for _, p := range svc.Spec.Ports {
		snap.Ports = append(snap.Ports, fmt.Sprintf("%d/%s->%d", p.Port, p.Protocol, p.NodePort))
	}
	return snap
}

// Provisioned reports whether the load balancer has an assigned external
// address, i.e. the Service has reached its steady state.
func (s ServiceSnapshot) Provisioned() bool {
	return len(s.IngressAddresses) > 0
}

// ChangeEvent is one raw notification from the watch stream. Seq is a
// monotonically increasing token assigned by the watch source; it survives
// reconnects so the classifier can discard stale or duplicate deliveries.
type ChangeEvent struct {
	Kind     ChangeKind
	Snapshot ServiceSnapshot // last-known snapshot for Deleted
	Seq      uint64
}

// TriggerIntent is a classified, significant change ready for dispatch.
type TriggerIntent struct {
	Identity Identity
	Kind     ChangeKind

	// Canonical parameters forwarded to the workflow.
	Tenant  string
	Project string
}

// DedupKey identifies a logical change for debounce purposes. Kind is part of
// the key so a deletion is never suppressed by an earlier update's admission.
type DedupKey struct {
	Identity Identity
	Kind     ChangeKind
}

// Key derives the debounce key for this intent.
func (ti TriggerIntent) Key() DedupKey {
	return DedupKey{Identity: ti.Identity, Kind: ti.Kind}
}

// Outcome is the terminal status of a dispatch attempt sequence.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "Succeeded"
	OutcomeFailedPermanent Outcome = "FailedPermanent"
	OutcomeAbandoned       Outcome = "Abandoned"
)

// DispatchRecord reports how a single trigger dispatch ended. It is held in
// memory for observability only and not persisted across restarts.
type DispatchRecord struct {
	DeliveryID string
	Identity   Identity
	Kind       ChangeKind
	Attempts   int
	Outcome    Outcome
	Err        error
	FinishedAt time.Time
}
