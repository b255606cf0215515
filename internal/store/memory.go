package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps everything in process. It has the same upsert semantics as
// Postgres and backs tests and the "memory" storage driver.
type Memory struct {
	mu       sync.Mutex
	events   []Event
	received []time.Time
	sources  map[string]*Source
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sources: make(map[string]*Source)}
}

type memConn struct{ m *Memory }

// Acquire returns a session; Memory has no connection limit.
func (m *Memory) Acquire(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return memConn{m: m}, nil
}

func (c memConn) Exists(ctx context.Context, address string) (bool, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	_, ok := c.m.sources[address]
	return ok, nil
}

func (c memConn) UpsertSource(ctx context.Context, obs Observation) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	s, ok := c.m.sources[obs.Address]
	if !ok {
		c.m.sources[obs.Address] = newSource(obs)
		return nil
	}
	if obs.Seen.After(s.LastSeen) {
		s.LastSeen = obs.Seen
	}
	s.TimesSeen++
	return nil
}

func (c memConn) Release() {}

// InsertEvent appends ev.
func (m *Memory) InsertEvent(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	m.received = append(m.received, time.Now().UTC())
	return nil
}

// Events returns a copy of all stored events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// GetSource returns a copy of the record for address.
func (m *Memory) GetSource(ctx context.Context, address string) (*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[address]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// CountryCodes looks up the country code of every known address.
func (m *Memory) CountryCodes(ctx context.Context, addresses []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(addresses))
	for _, a := range addresses {
		s, ok := m.sources[a]
		if !ok {
			continue
		}
		if s.CountryCode != nil {
			out[a] = *s.CountryCode
		} else {
			out[a] = ""
		}
	}
	return out, nil
}

// ListEvents returns the events logged for src in insertion order.
func (m *Memory) ListEvents(ctx context.Context, src string) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []LogEntry{}
	for i, ev := range m.events {
		if ev.SrcHost == src {
			out = append(out, newLogEntry(int64(i+1), m.received[i], ev))
		}
	}
	return out, nil
}

// ListSources aggregates events by src_host, ordered like the Postgres query.
func (m *Memory) ListSources(ctx context.Context, limit, offset int) ([]SourceActivity, error) {
	m.mu.Lock()
	byAddr := make(map[string]*SourceActivity)
	for _, ev := range m.events {
		if ev.SrcHost == "" {
			continue
		}
		a, ok := byAddr[ev.SrcHost]
		if !ok {
			a = &SourceActivity{Address: ev.SrcHost}
			byAddr[ev.SrcHost] = a
		}
		a.TimesSeen++
		if ev.UTCTime != nil && (a.LastSeen == nil || ev.UTCTime.After(*a.LastSeen)) {
			t := *ev.UTCTime
			a.LastSeen = &t
		}
	}
	m.mu.Unlock()

	all := make([]SourceActivity, 0, len(byAddr))
	for _, a := range byAddr {
		all = append(all, *a)
	}
	sort.Slice(all, func(i, j int) bool {
		li, lj := all[i].LastSeen, all[j].LastSeen
		switch {
		case li == nil && lj == nil:
			return all[i].Address < all[j].Address
		case li == nil:
			return false
		case lj == nil:
			return true
		case !li.Equal(*lj):
			return li.After(*lj)
		}
		return all[i].Address < all[j].Address
	})
	if offset >= len(all) {
		return []SourceActivity{}, nil
	}
	all = all[offset:]
	if limit >= 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}
