// Package router selects which deployment serves a request and fails over
// between deployments backing the same model alias.
package router

import (
	"sort"
	"sync"

	"github.com/conduithq/conduit/internal/providers"
)

// Registry holds the deployment set, indexed by model alias. Candidate order
// is priority ascending with creation order (seq) breaking ties, so routing
// stays deterministic as deployments come and go.
type Registry struct {
	mu      sync.RWMutex
	byAlias map[string][]*providers.Deployment
	byID    map[string]*providers.Deployment
	nextSeq int64
}

func NewRegistry() *Registry {
	return &Registry{
		byAlias: make(map[string][]*providers.Deployment),
		byID:    make(map[string]*providers.Deployment),
		nextSeq: 1,
	}
}

// Add registers a deployment. A zero Seq gets the next counter value;
// restored deployments keep their persisted seq and push the counter past it.
func (r *Registry) Add(d *providers.Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Seq == 0 {
		d.Seq = r.nextSeq
	}
	if d.Seq >= r.nextSeq {
		r.nextSeq = d.Seq + 1
	}

	r.byID[d.ID] = d
	list := append(r.byAlias[d.ModelAlias], d)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].Seq < list[j].Seq
	})
	r.byAlias[d.ModelAlias] = list
}

// Get returns a deployment by id.
func (r *Registry) Get(id string) (*providers.Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// SetActive flips the active flag. Inactive deployments stay registered but
// are never candidates.
func (r *Registry) SetActive(id string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return false
	}
	d.Active = active
	return true
}

// Candidates returns the active deployments for an alias in routing order.
// The slice is a copy; callers may not mutate the deployments.
func (r *Registry) Candidates(alias string) []*providers.Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byAlias[alias]
	out := make([]*providers.Deployment, 0, len(list))
	for _, d := range list {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}

// Aliases returns the sorted model aliases that have at least one active
// deployment.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byAlias))
	for alias, list := range r.byAlias {
		for _, d := range list {
			if d.Active {
				out = append(out, alias)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// All returns every registered deployment in creation order.
func (r *Registry) All() []*providers.Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*providers.Deployment, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
