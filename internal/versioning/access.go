package versioning

import (
	"sync"
	"time"
)

// AccessStats summarises reconstructions of one version.
type AccessStats struct {
	VersionID           string
	AccessCount         uint32
	FirstAccessed       time.Time
	LastAccessed        time.Time
	TotalReconstruction time.Duration
}

// AverageReconstruction is the mean reconstruction time.
func (s AccessStats) AverageReconstruction() time.Duration {
	if s.AccessCount == 0 {
		return 0
	}
	return s.TotalReconstruction / time.Duration(s.AccessCount)
}

// AccessTracker records version reconstructions to drive promotion.
type AccessTracker struct {
	mu    sync.Mutex
	stats map[string]*AccessStats
	now   func() time.Time
}

// NewAccessTracker returns an empty tracker.
func NewAccessTracker(now func() time.Time) *AccessTracker {
	if now == nil {
		now = time.Now
	}
	return &AccessTracker{stats: make(map[string]*AccessStats), now: now}
}

// Record adds one reconstruction of id that took d.
func (t *AccessTracker) Record(id string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[id]
	if !ok {
		s = &AccessStats{VersionID: id}
		t.stats[id] = s
	}
	now := t.now()
	if s.AccessCount == 0 {
		s.FirstAccessed = now
	}
	s.AccessCount++
	s.LastAccessed = now
	s.TotalReconstruction += d
}

// Stats returns a copy of the stats for id.
func (t *AccessTracker) Stats(id string) (AccessStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[id]
	if !ok {
		return AccessStats{}, false
	}
	return *s, true
}

// ShouldPromote applies the promotion rules: enough accesses within the
// time window, or a slow average reconstruction.
func (t *AccessTracker) ShouldPromote(id string, cfg Config) bool {
	if !cfg.EnableAutoPromotion {
		return false
	}
	s, ok := t.Stats(id)
	if !ok {
		return false
	}
	window := time.Duration(cfg.PromotionTimeWindowHours) * time.Hour
	if s.AccessCount >= cfg.PromotionAccessThreshold && s.LastAccessed.Sub(s.FirstAccessed) <= window {
		return true
	}
	return s.AverageReconstruction() > time.Duration(cfg.PromotionCostThresholdMs)*time.Millisecond
}

// Forget drops the stats for id.
func (t *AccessTracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, id)
}

// Cleanup drops stats not touched within window.
func (t *AccessTracker) Cleanup(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for id, s := range t.stats {
		if !s.LastAccessed.After(cutoff) {
			delete(t.stats, id)
			n++
		}
	}
	return n
}
