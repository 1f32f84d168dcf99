package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/scoring"
)

// WindowStore keeps recent readings per cluster. Stale and offline readings
// are retained for audit but never handed to scorers. A sensor whose latest
// reading has aged past its type's freshness window drops out of the
// evaluation span until it reports again.
type WindowStore struct {
	span         time.Duration
	baselineSpan time.Duration
	freshness    map[domain.SensorType]time.Duration

	mu       sync.RWMutex
	clusters map[string][]domain.SensorReading
}

// NewWindowStore retains span+baselineSpan of history per cluster. Types
// missing from freshness never age out of the evaluation span.
func NewWindowStore(span, baselineSpan time.Duration, freshness map[domain.SensorType]time.Duration) *WindowStore {
	return &WindowStore{
		span:         span,
		baselineSpan: baselineSpan,
		freshness:    freshness,
		clusters:     make(map[string][]domain.SensorReading),
	}
}

// Add inserts r in timestamp order and drops readings past retention. A
// redelivered reading (same sensor and timestamp) replaces the earlier copy.
func (s *WindowStore) Add(clusterID string, r domain.SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.clusters[clusterID]
	i := sort.Search(len(buf), func(i int) bool { return buf[i].Timestamp.After(r.Timestamp) })
	if dup := duplicateBefore(buf, i, r); dup >= 0 {
		buf[dup] = r
		return
	}
	buf = append(buf, domain.SensorReading{})
	copy(buf[i+1:], buf[i:])
	buf[i] = r

	cutoff := r.ReceivedAt.Add(-(s.span + s.baselineSpan))
	drop := sort.Search(len(buf), func(i int) bool { return !buf[i].Timestamp.Before(cutoff) })
	if drop > 0 {
		buf = append([]domain.SensorReading(nil), buf[drop:]...)
	}
	s.clusters[clusterID] = buf
}

// duplicateBefore scans the readings sharing r's timestamp, which end at i.
func duplicateBefore(buf []domain.SensorReading, i int, r domain.SensorReading) int {
	for j := i - 1; j >= 0 && buf[j].Timestamp.Equal(r.Timestamp); j-- {
		if buf[j].SensorID == r.SensorID {
			return j
		}
	}
	return -1
}

// Window splits the usable readings of a cluster into the evaluation span
// ending at asOf and the baseline span before it.
func (s *WindowStore) Window(clusterID string, asOf time.Time) (scoring.Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.clusters[clusterID]
	if !ok {
		return scoring.Window{}, false
	}
	latest := make(map[string]time.Time)
	for _, r := range buf {
		if r.Usable() && !r.Timestamp.After(asOf) {
			latest[r.SensorID] = r.Timestamp
		}
	}

	w := scoring.Window{ClusterID: clusterID, AsOf: asOf}
	spanStart := asOf.Add(-s.span)
	baseStart := spanStart.Add(-s.baselineSpan)
	for _, r := range buf {
		if !r.Usable() || r.Timestamp.After(asOf) {
			continue
		}
		switch {
		case r.Timestamp.After(spanStart):
			if s.expired(r.Type, latest[r.SensorID], asOf) {
				continue
			}
			w.Readings = append(w.Readings, r)
		case r.Timestamp.After(baseStart):
			w.Baseline = append(w.Baseline, r)
		}
	}
	return w, true
}

// expired reports whether a reading taken at ts is past its type's freshness at asOf.
func (s *WindowStore) expired(t domain.SensorType, ts, asOf time.Time) bool {
	window, ok := s.freshness[t]
	return ok && asOf.Sub(ts) > window
}

// SensorState is the latest known state of one sensor. Stale is true when
// the latest reading arrived stale or has since aged past its freshness window.
type SensorState struct {
	ClusterID string               `json:"cluster_id"`
	Latest    domain.SensorReading `json:"latest"`
	Stale     bool                 `json:"stale"`
}

// Sensors returns the latest reading of every known sensor, ordered by sensor ID.
func (s *WindowStore) Sensors(asOf time.Time) []SensorState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]SensorState)
	for clusterID, buf := range s.clusters {
		for _, r := range buf {
			cur, ok := byID[r.SensorID]
			if ok && cur.Latest.Timestamp.After(r.Timestamp) {
				continue
			}
			byID[r.SensorID] = SensorState{
				ClusterID: clusterID,
				Latest:    r,
				Stale:     r.Stale || s.expired(r.Type, r.Timestamp, asOf),
			}
		}
	}

	out := make([]SensorState, 0, len(byID))
	for _, st := range byID {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Latest.SensorID < out[j].Latest.SensorID })
	return out
}

// Centroid returns the mean position of the cluster's sensors.
func (s *WindowStore) Centroid(clusterID string) domain.Geo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]domain.Geo)
	for _, r := range s.clusters[clusterID] {
		seen[r.SensorID] = r.Location
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	points := make([]domain.Geo, 0, len(ids))
	for _, id := range ids {
		points = append(points, seen[id])
	}
	return domain.Centroid(points)
}

// Clusters lists the known cluster IDs.
func (s *WindowStore) Clusters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.clusters))
	for id := range s.clusters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
