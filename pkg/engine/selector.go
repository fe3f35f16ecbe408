package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/queuetue/phasor/pkg/plan"
)

// MatchSelector reports whether a resource satisfies a label selector. Every
// listed key must be present with the exact value; a resource may carry any
// number of extra labels.
func MatchSelector(sel plan.Selector, r *Resource) bool {
	for k, v := range sel.MatchLabels {
		got, ok := r.Labels[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// binder resolves each phase's resources at apply time and holds the
// handler-applied label overlays. Binding is deliberately lazy: labels a
// handler merges while a run progresses are visible to later phases.
type binder struct {
	registry ResourceRegistry

	mu sync.Mutex

	// overlays maps resource key to labels merged by handlers this run.
	overlays map[string]map[string]string
}

func newBinder(registry ResourceRegistry) *binder {
	return &binder{
		registry: registry,
		overlays: make(map[string]map[string]string),
	}
}

// bind returns copies of every registry resource matching the phase's
// selector, with run-local label overlays applied, sorted by key. An empty
// match is valid and yields an empty slice.
func (b *binder) bind(ctx context.Context, ph *plan.Phase) ([]*Resource, error) {
	all, err := b.registry.ListResources(ctx)
	if err != nil {
		return nil, NewInternalError("failed to list resources", err).WithPhase(ph.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]*Resource, 0)
	for _, r := range all {
		overlaid := b.withOverlay(r)
		if MatchSelector(ph.Selector, overlaid) {
			matched = append(matched, overlaid)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Key() < matched[j].Key()
	})
	return matched, nil
}

// withOverlay returns a copy of the resource with any handler labels merged
// on top of its registry labels.
func (b *binder) withOverlay(r *Resource) *Resource {
	c := r.Clone()
	overlay := b.overlays[r.Key()]
	if len(overlay) == 0 {
		return c
	}
	if c.Labels == nil {
		c.Labels = make(map[string]string, len(overlay))
	}
	for k, v := range overlay {
		c.Labels[k] = v
	}
	return c
}

// mergeLabels records handler labels for a set of resources. Later merges
// win on key collisions.
func (b *binder) mergeLabels(resources []*Resource, labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range resources {
		overlay := b.overlays[r.Key()]
		if overlay == nil {
			overlay = make(map[string]string, len(labels))
			b.overlays[r.Key()] = overlay
		}
		for k, v := range labels {
			overlay[k] = v
		}
	}
}
