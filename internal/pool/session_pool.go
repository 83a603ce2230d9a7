// Package pool implements the live seller registry described by the
// matching core: a registry of sessions with status, engagement,
// liveness and heartbeat bookkeeping, plus a secondary by-human-identity
// index enforcing "at most one live session per human".
package pool

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned by operations addressing an unknown session id.
	ErrNotFound = errors.New("pool: session not found")
)

// Status is the pool's own session-status enum. The pool is the sole
// owner of live sessions (§3), keeping this package a dependency leaf.
type Status int

const (
	Available Status = iota
	Busy
	Disconnected
)

// Session is the pool's own record of a live seller (§3). Per §3's
// ownership rule, the pool is the sole owner of live sessions.
type Session struct {
	ID                  string
	HumanID             string
	PriceFloorPerSecond uint64

	LastEngagementScore float64
	LastLivenessScore   float64
	LastHeartbeat       time.Time
	ConnectedAt         time.Time

	Status         Status
	CurrentMatchID string
}

// Patch describes a partial mutation applied via Update.
type Patch struct {
	PriceFloorPerSecond *uint64
	Status              *Status
}

// Pool is the registry of live sessions. Not safe for concurrent use;
// the matching core's single-writer discipline serializes access.
type Pool struct {
	byID    map[string]*Session
	byHuman map[string]string // humanID -> sessionID

	heartbeatTimeout time.Duration
}

// New constructs an empty Pool. heartbeatTimeout is the staleness
// threshold used by FindMatchingFor and PruneStale.
func New(heartbeatTimeout time.Duration) *Pool {
	return &Pool{
		byID:             make(map[string]*Session),
		byHuman:          make(map[string]string),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Upsert inserts or replaces a session. If the human identity already
// maps to a different session id, that prior session is hard-removed
// first — at most one live session per human (§4.2).
func (p *Pool) Upsert(s Session) {
	if prevID, ok := p.byHuman[s.HumanID]; ok && prevID != s.ID {
		delete(p.byID, prevID)
	}
	p.byID[s.ID] = &s
	p.byHuman[s.HumanID] = s.ID
}

// Remove hard-removes a session by id.
func (p *Pool) Remove(id string) {
	s, ok := p.byID[id]
	if !ok {
		return
	}
	if p.byHuman[s.HumanID] == id {
		delete(p.byHuman, s.HumanID)
	}
	delete(p.byID, id)
}

// GetByID returns the session for id.
func (p *Pool) GetByID(id string) (Session, bool) {
	s, ok := p.byID[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// GetByHumanIdentity returns the live session for a human identity, if any.
func (p *Pool) GetByHumanIdentity(humanID string) (Session, bool) {
	id, ok := p.byHuman[humanID]
	if !ok {
		return Session{}, false
	}
	return p.GetByID(id)
}

// Update applies patch to the session fields present in it. Fails fast
// on an unknown id (programmer error, per §4.1's sibling contract).
func (p *Pool) Update(id string, patch Patch) error {
	s, ok := p.byID[id]
	if !ok {
		return ErrNotFound
	}
	if patch.PriceFloorPerSecond != nil {
		s.PriceFloorPerSecond = *patch.PriceFloorPerSecond
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	return nil
}

// MarkBusy transitions a session into an active match.
func (p *Pool) MarkBusy(id, matchID string) error {
	s, ok := p.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = Busy
	s.CurrentMatchID = matchID
	return nil
}

// MarkAvailable frees a session from its match.
func (p *Pool) MarkAvailable(id string) error {
	s, ok := p.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = Available
	s.CurrentMatchID = ""
	return nil
}

// UpdateEngagement overwrites the scalar scores and refreshes the
// heartbeat to now.
func (p *Pool) UpdateEngagement(id string, attention, liveness float64, now time.Time) error {
	s, ok := p.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.LastEngagementScore = attention
	s.LastLivenessScore = liveness
	s.LastHeartbeat = now
	return nil
}

// AvailableCount returns the number of sessions currently Available.
func (p *Pool) AvailableCount() int {
	n := 0
	for _, s := range p.byID {
		if s.Status == Available {
			n++
		}
	}
	return n
}

// Size returns the total number of sessions in the pool.
func (p *Pool) Size() int {
	return len(p.byID)
}

// FindMatchingFor returns sessions eligible to match a bid whose max
// price is maxPrice: Available, not currently matched, price floor <=
// maxPrice, and heartbeat not stale. Ordered by price floor ascending,
// tie-broken by earlier ConnectedAt first (§4.2 "cheapest and
// longest-waiting human first").
func (p *Pool) FindMatchingFor(maxPrice uint64, now time.Time) []Session {
	var candidates []Session
	for _, s := range p.byID {
		if s.Status != Available || s.CurrentMatchID != "" {
			continue
		}
		if s.PriceFloorPerSecond > maxPrice {
			continue
		}
		if now.Sub(s.LastHeartbeat) >= p.heartbeatTimeout {
			continue
		}
		candidates = append(candidates, *s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.PriceFloorPerSecond != b.PriceFloorPerSecond {
			return a.PriceFloorPerSecond < b.PriceFloorPerSecond
		}
		if !a.ConnectedAt.Equal(b.ConnectedAt) {
			return a.ConnectedAt.Before(b.ConnectedAt)
		}
		return a.ID < b.ID
	})
	return candidates
}

// PruneStale hard-removes every session whose heartbeat age exceeds the
// configured timeout and returns the count removed.
func (p *Pool) PruneStale(now time.Time) int {
	var stale []string
	for id, s := range p.byID {
		if now.Sub(s.LastHeartbeat) > p.heartbeatTimeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		p.Remove(id)
	}
	return len(stale)
}
