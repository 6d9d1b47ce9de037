package runner

import (
	"sort"

	"github.com/ethereum-optimism/infra/op-rerun/cache"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
)

// Sequencer orders specs so likely failures and slow files start first
type Sequencer struct {
	cache *cache.Results
}

// NewSequencer creates a sequencer backed by the results cache
func NewSequencer(results *cache.Results) *Sequencer {
	return &Sequencer{cache: results}
}

// Sort returns the specs ordered by cached failure, then cached duration,
// then file size. Ties keep path order.
func (s *Sequencer) Sort(specs []workspace.Spec) []workspace.Spec {
	type ranked struct {
		spec     workspace.Spec
		failed   bool
		duration int64
		size     int64
	}
	items := make([]ranked, len(specs))
	for i, spec := range specs {
		item := ranked{spec: spec}
		if s.cache != nil {
			if res, ok := s.cache.GetResults(cache.ResultKey(spec.Project.Name(), spec.File)); ok {
				item.failed = res.Failed
				item.duration = int64(res.Duration)
			}
			if stats, ok := s.cache.GetStats(spec.File); ok {
				item.size = stats.Size
			}
		}
		items[i] = item
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.failed != b.failed {
			return a.failed
		}
		if a.duration != b.duration {
			return a.duration > b.duration
		}
		if a.size != b.size {
			return a.size > b.size
		}
		return a.spec.Key() < b.spec.Key()
	})
	out := make([]workspace.Spec, len(items))
	for i, item := range items {
		out[i] = item.spec
	}
	return out
}
