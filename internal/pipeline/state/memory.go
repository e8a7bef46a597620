package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

type stateKey struct {
	videoID   string
	rendition string
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu     sync.Mutex
	states map[stateKey]*RenditionState
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[stateKey]*RenditionState),
		now:    time.Now,
	}
}

func (m *MemoryStore) EnsureStates(ctx context.Context, videoID string, renditions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	for _, rendition := range renditions {
		key := stateKey{videoID: videoID, rendition: rendition}
		if _, exists := m.states[key]; exists {
			continue
		}
		m.states[key] = &RenditionState{
			VideoID:   videoID,
			Rendition: rendition,
			Status:    StatusPending,
			UpdatedAt: now,
		}
	}
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, videoID, rendition string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{videoID: videoID, rendition: rendition}]
	if !ok {
		return false, ErrStateNotFound
	}
	if st.Status != StatusPending && st.Status != StatusFailed {
		return false, nil
	}
	now := m.now().UTC()
	st.Status = StatusRunning
	st.Attempts++
	st.StartedAt = now
	st.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) MarkSucceeded(ctx context.Context, videoID, rendition, manifestPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{videoID: videoID, rendition: rendition}]
	if !ok {
		return ErrStateNotFound
	}
	st.Status = StatusSucceeded
	st.ManifestPath = manifestPath
	st.LastError = ""
	st.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, videoID, rendition, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{videoID: videoID, rendition: rendition}]
	if !ok {
		return ErrStateNotFound
	}
	if st.Status == StatusSucceeded {
		return nil
	}
	st.Status = StatusFailed
	st.LastError = cause
	st.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, videoID, rendition string) (RenditionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{videoID: videoID, rendition: rendition}]
	if !ok {
		return RenditionState{}, ErrStateNotFound
	}
	return *st, nil
}

func (m *MemoryStore) ListByVideo(ctx context.Context, videoID string) ([]RenditionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RenditionState
	for key, st := range m.states {
		if key.videoID == videoID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Rendition < out[j].Rendition
	})
	return out, nil
}

func (m *MemoryStore) ResetStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	cutoff := now.Add(-olderThan)
	reset := 0
	for _, st := range m.states {
		if st.Status != StatusRunning || st.StartedAt.After(cutoff) {
			continue
		}
		st.Status = StatusPending
		st.UpdatedAt = now
		reset++
	}
	return reset, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
