package service

import (
	"sort"
	"strings"
	"sync"
)

// ResetGate records chains whose block height went backwards. Submissions to
// such a chain are refused until a full reconciliation pass completes.
type ResetGate struct {
	mu        sync.RWMutex
	resetting map[string]bool
}

func NewResetGate() *ResetGate {
	return &ResetGate{resetting: make(map[string]bool)}
}

func (g *ResetGate) Mark(chain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetting[strings.ToLower(chain)] = true
}

func (g *ResetGate) Clear(chains ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range chains {
		delete(g.resetting, strings.ToLower(c))
	}
}

func (g *ResetGate) Resetting(chain string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resetting[strings.ToLower(chain)]
}

// Snapshot lists the chains currently marked, sorted.
func (g *ResetGate) Snapshot() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.resetting))
	for c := range g.resetting {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
