package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// memoryBackend mirrors the Redis backend's semantics without persistence.
// A restart drops all state.
type memoryBackend struct {
	mu         sync.Mutex
	jobs       map[string][]byte // serialized records, matching the durable backend
	ready      []readyEntry
	retry      []retryEntry
	processing map[string]time.Time
	dead       []string
	seq        int64 // insertion order tie-break within a priority
}

type readyEntry struct {
	id       string
	priority Priority
	seq      int64
}

type retryEntry struct {
	id string
	at time.Time
}

// NewMemoryBackend creates the in-memory queue backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		jobs:       make(map[string][]byte),
		processing: make(map[string]time.Time),
	}
}

func (m *memoryBackend) SaveJob(_ context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = data
	return nil
}

func (m *memoryBackend) LoadJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	data, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (m *memoryBackend) PushReady(_ context.Context, id string, priority Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.ready = append(m.ready, readyEntry{id: id, priority: priority, seq: m.seq})
	sort.SliceStable(m.ready, func(i, j int) bool {
		if m.ready[i].priority != m.ready[j].priority {
			return m.ready[i].priority < m.ready[j].priority
		}
		return m.ready[i].seq < m.ready[j].seq
	})
	return nil
}

func (m *memoryBackend) PushRetry(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retry = append(m.retry, retryEntry{id: id, at: at})
	sort.SliceStable(m.retry, func(i, j int) bool {
		return m.retry[i].at.Before(m.retry[j].at)
	})
	return nil
}

func (m *memoryBackend) PopNext(_ context.Context, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Due retries first.
	if len(m.retry) > 0 && !m.retry[0].at.After(now) {
		id := m.retry[0].id
		m.retry = m.retry[1:]
		m.processing[id] = now
		return id, nil
	}

	if len(m.ready) > 0 {
		id := m.ready[0].id
		m.ready = m.ready[1:]
		m.processing[id] = now
		return id, nil
	}

	return "", nil
}

func (m *memoryBackend) RemoveProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, id)
	return nil
}

func (m *memoryBackend) PushDead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, id)
	return nil
}

func (m *memoryBackend) RemoveDead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.dead {
		if d == id {
			m.dead = append(m.dead[:i], m.dead[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memoryBackend) ListDead(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.dead))
	copy(out, m.dead)
	return out, nil
}

func (m *memoryBackend) StaleProcessing(_ context.Context, olderThan time.Duration, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	cutoff := now.Add(-olderThan)
	for id, claimed := range m.processing {
		if claimed.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func (m *memoryBackend) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pending:    len(m.ready),
		Retrying:   len(m.retry),
		Processing: len(m.processing),
		Dead:       len(m.dead),
	}, nil
}

func (m *memoryBackend) Ping(context.Context) error { return nil }
func (m *memoryBackend) Close() error               { return nil }
