package replication

import (
	"time"

	"wildmesh.ai/internal/protocol"
)

const (
	// Per-entity cap on buffered States; only the newest are kept.
	maxPendingStates = 8
	// Bound on distinct orphan entity IDs.
	maxPendingEntities = 4096
)

type pendingState struct {
	msg protocol.StateMsg
	at  time.Time
}

type pendingDeath struct {
	msg protocol.DeathMsg
	at  time.Time
}

// pendingBuffers hold messages for entities whose Spawn has not arrived yet.
type pendingBuffers struct {
	states   map[string][]pendingState
	deaths   map[string]pendingDeath
	harvests map[string]time.Time
}

func newPendingBuffers() *pendingBuffers {
	return &pendingBuffers{
		states:   map[string][]pendingState{},
		deaths:   map[string]pendingDeath{},
		harvests: map[string]time.Time{},
	}
}

func (p *pendingBuffers) full(id string) bool {
	if _, ok := p.states[id]; ok {
		return false
	}
	if _, ok := p.deaths[id]; ok {
		return false
	}
	if _, ok := p.harvests[id]; ok {
		return false
	}
	return p.entities() >= maxPendingEntities
}

func (p *pendingBuffers) entities() int {
	seen := len(p.states)
	for id := range p.deaths {
		if _, ok := p.states[id]; !ok {
			seen++
		}
	}
	for id := range p.harvests {
		_, s := p.states[id]
		_, d := p.deaths[id]
		if !s && !d {
			seen++
		}
	}
	return seen
}

func (p *pendingBuffers) addState(m protocol.StateMsg, now time.Time) bool {
	if p.full(m.EntityID) {
		return false
	}
	q := append(p.states[m.EntityID], pendingState{msg: m, at: now})
	if len(q) > maxPendingStates {
		q = q[len(q)-maxPendingStates:]
	}
	p.states[m.EntityID] = q
	return true
}

func (p *pendingBuffers) addDeath(m protocol.DeathMsg, now time.Time) bool {
	if p.full(m.EntityID) {
		return false
	}
	if _, ok := p.deaths[m.EntityID]; !ok {
		p.deaths[m.EntityID] = pendingDeath{msg: m, at: now}
	}
	return true
}

func (p *pendingBuffers) addHarvest(id string, now time.Time) bool {
	if p.full(id) {
		return false
	}
	if _, ok := p.harvests[id]; !ok {
		p.harvests[id] = now
	}
	return true
}

// take removes and returns everything buffered for id.
func (p *pendingBuffers) take(id string) (states []pendingState, death *pendingDeath, harvest bool) {
	states = p.states[id]
	if d, ok := p.deaths[id]; ok {
		death = &d
	}
	_, harvest = p.harvests[id]
	p.drop(id)
	return states, death, harvest
}

func (p *pendingBuffers) drop(id string) {
	delete(p.states, id)
	delete(p.deaths, id)
	delete(p.harvests, id)
}

// expire discards entries received more than ttl ago and returns how many
// messages were discarded.
func (p *pendingBuffers) expire(now time.Time, ttl time.Duration) int {
	n := 0
	for id, q := range p.states {
		kept := q[:0]
		for _, s := range q {
			if now.Sub(s.at) > ttl {
				n++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(p.states, id)
		} else {
			p.states[id] = kept
		}
	}
	for id, d := range p.deaths {
		if now.Sub(d.at) > ttl {
			delete(p.deaths, id)
			n++
		}
	}
	for id, at := range p.harvests {
		if now.Sub(at) > ttl {
			delete(p.harvests, id)
			n++
		}
	}
	return n
}

func (p *pendingBuffers) size() int {
	n := len(p.deaths) + len(p.harvests)
	for _, q := range p.states {
		n += len(q)
	}
	return n
}
