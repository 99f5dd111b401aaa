// Package classifier decides which Service change events are significant
// enough to trigger a workflow, and builds the trigger parameters.
package classifier

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/EthDevOps/k8s-service-trigger/internal/types"
)

// Attribute names one facet of a Service's externally visible state. The set
// of attributes the classifier diffs is policy, not code, so it is supplied
// by configuration.
type Attribute string

const (
	AttrExternalAddress       Attribute = "external-address"
	AttrPorts                 Attribute = "ports"
	AttrExternalTrafficPolicy Attribute = "external-traffic-policy"
	AttrClusterIP             Attribute = "cluster-ip"
)

// DefaultAttributes is the watched set when none is configured: the load
// balancer's assigned addresses and its exposed ports.
func DefaultAttributes() []Attribute {
	return []Attribute{AttrExternalAddress, AttrPorts}
}

// ParseAttribute validates a configured attribute name.
func ParseAttribute(s string) (Attribute, bool) {
	switch Attribute(s) {
	case AttrExternalAddress, AttrPorts, AttrExternalTrafficPolicy, AttrClusterIP:
		return Attribute(s), true
	}
	return "", false
}

// Options configures a Classifier.
type Options struct {
	// Tenant is forwarded on every intent.
	Tenant string
	// Project overrides the project parameter. Empty means the Service name.
	Project string
	// Attributes is the watched attribute set. Nil means DefaultAttributes.
	Attributes []Attribute
}

type entry struct {
	seq         uint64
	fingerprint string
}

// Classifier holds the minimal per-identity memory needed to diff watched
// attributes between snapshots. It is mutated only by the orchestrator's
// consumer loop, so it needs no locking. Memory is bounded by the number of
// live identities: entries are evicted when a Deleted event is processed.
type Classifier struct {
	logger  *zap.Logger
	tenant  string
	project string
	attrs   []Attribute
	mem     map[types.Identity]entry
}

// New creates a Classifier.
func New(logger *zap.Logger, opts Options) *Classifier {
	attrs := opts.Attributes
	if len(attrs) == 0 {
		attrs = DefaultAttributes()
	}
	return &Classifier{
		logger:  logger.Named("classifier"),
		tenant:  opts.Tenant,
		project: opts.Project,
		attrs:   attrs,
		mem:     make(map[types.Identity]entry),
	}
}

// Classify inspects one change event and returns the trigger intent for it,
// or ok=false when the event is not significant.
func (c *Classifier) Classify(ev types.ChangeEvent) (types.TriggerIntent, bool) {
	id := ev.Snapshot.Identity

	// Discard stale or duplicate deliveries for this identity.
	if prev, ok := c.mem[id]; ok && ev.Seq <= prev.seq {
		c.logger.Debug("Discarding stale watch event",
			zap.String("service", id.String()),
			zap.Uint64("seq", ev.Seq),
			zap.Uint64("last_seq", prev.seq),
		)
		return types.TriggerIntent{}, false
	}

	switch ev.Kind {
	case types.ChangeDeleted:
		delete(c.mem, id)
		return c.intent(ev), true

	case types.ChangeCreated, types.ChangeUpdated:
		fp := c.fingerprint(ev.Snapshot)
		prev, known := c.mem[id]
		c.mem[id] = entry{seq: ev.Seq, fingerprint: fp}
		if !known {
			// First sighting of this identity (fresh creation, or memory
			// lost to a restart). A bare placeholder without an external
			// address is not yet a logical change; a later Updated will
			// carry it.
			if !ev.Snapshot.Provisioned() {
				return types.TriggerIntent{}, false
			}
			return c.intent(ev), true
		}
		// Known identity: only a watched-attribute diff is significant.
		// This also absorbs the synthetic Created replay after a relist.
		if prev.fingerprint == fp {
			return types.TriggerIntent{}, false
		}
		return c.intent(ev), true
	}

	return types.TriggerIntent{}, false
}

// TrackedIdentities returns the number of identities currently remembered.
func (c *Classifier) TrackedIdentities() int { return len(c.mem) }

func (c *Classifier) intent(ev types.ChangeEvent) types.TriggerIntent {
	project := c.project
	if project == "" {
		project = ev.Snapshot.Identity.Name
	}
	return types.TriggerIntent{
		Identity: ev.Snapshot.Identity,
		Kind:     ev.Kind,
		Tenant:   c.tenant,
		Project:  project,
	}
}

// fingerprint canonicalizes the watched attribute set of a snapshot. Slice
// attributes are sorted so delivery order does not produce spurious diffs.
func (c *Classifier) fingerprint(snap types.ServiceSnapshot) string {
	var b strings.Builder
	for _, attr := range c.attrs {
		b.WriteString(string(attr))
		b.WriteByte('=')
		switch attr {
		case AttrExternalAddress:
			b.WriteString(sortedJoin(snap.IngressAddresses))
		case AttrPorts:
			b.WriteString(sortedJoin(snap.Ports))
		case AttrExternalTrafficPolicy:
			b.WriteString(snap.ExternalTrafficPolicy)
		case AttrClusterIP:
			b.WriteString(snap.ClusterIP)
		}
		b.WriteByte(';')
	}
	return b.String()
}

func sortedJoin(values []string) string {
	if len(values) == 0 {
		return ""
	}
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
