package diag

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Site is a call stack with the number of allocations made there that are
// still alive.
type Site struct {
	Hash  uint64
	Stack string
	Live  int64
}

var sites = &siteTable{entries: make(map[uint64]*Site)}

type siteTable struct {
	mu      sync.Mutex
	entries map[uint64]*Site
}

func (t *siteTable) add(stack string) uint64 {
	h := xxhash.Sum64String(stack)
	if h == 0 {
		h = 1 // 0 marks an untracked record.
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entries[h]
	if !ok {
		s = &Site{Hash: h, Stack: stack}
		t.entries[h] = s
	}
	s.Live++
	return h
}

func (t *siteTable) remove(h uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entries[h]
	if !ok {
		return
	}
	if s.Live--; s.Live <= 0 {
		delete(t.entries, h)
	}
}

// LiveSites returns a snapshot of the allocation-site table, busiest first.
func LiveSites() []Site {
	sites.mu.Lock()
	out := make([]Site, 0, len(sites.entries))
	for _, s := range sites.entries {
		out = append(out, *s)
	}
	sites.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Live != out[j].Live {
			return out[i].Live > out[j].Live
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}
