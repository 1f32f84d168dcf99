package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
	"github.com/couchcryptid/hazard-risk-engine/internal/scoring"
)

var (
	now    = time.Date(2025, 7, 14, 9, 0, 0, 0, time.UTC)
	sumida = domain.Geo{Lat: 35.7105, Lon: 139.8015}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedScorer struct {
	score domain.ComponentScore
}

func (s fixedScorer) Component() domain.Component { return s.score.Component }

func (s fixedScorer) Score(context.Context, scoring.Window) domain.ComponentScore { return s.score }

// workedExample scores 66 with these weights.
func workedExample() []scoring.Scorer {
	return []scoring.Scorer{
		fixedScorer{domain.ComponentScore{Component: domain.ComponentTrend, SubScore: 80, Confidence: 1, SensorIDs: []string{"rain-1"}}},
		fixedScorer{domain.ComponentScore{Component: domain.ComponentFusion, SubScore: 60, Confidence: 0.7, SensorIDs: []string{"rain-1", "river-1"}}},
		fixedScorer{domain.ComponentScore{Component: domain.ComponentOutlier}},
		fixedScorer{domain.ComponentScore{Component: domain.ComponentForecast, SubScore: 40, Confidence: 0.2}},
	}
}

type fakeGeocoder struct{ name string }

func (g fakeGeocoder) ReverseGeocode(_ context.Context, lat, lon float64) (domain.GeocodingResult, error) {
	return domain.GeocodingResult{Lat: lat, Lon: lon, PlaceName: g.name}, nil
}

type recordingArchiver struct {
	mu       sync.Mutex
	clusters []string
	err      error
}

func (a *recordingArchiver) Archive(_ context.Context, clusterID string, _ domain.SensorReading) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clusters = append(a.clusters, clusterID)
	return a.err
}

type recordingNarrator struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNarrator) Enqueue(a domain.RiskAssessment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, a.ID)
}

type fixture struct {
	engine   *Engine
	store    *lifecycle.MemoryStore
	archiver *recordingArchiver
	narrator *recordingNarrator
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, scorers []scoring.Scorer) *fixture {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })

	logger := discardLogger()
	metrics := observability.NewMetricsForTesting()
	settings := domain.DefaultSettings()
	settings.Thresholds = domain.ThresholdConfig{Moderate: 30, High: 60, Severe: 90}
	cfg, err := NewConfigStore(settings, logger, metrics)
	require.NoError(t, err)

	store := lifecycle.NewMemoryStore()
	f := &fixture{store: store, archiver: &recordingArchiver{}, narrator: &recordingNarrator{}, metrics: metrics}
	f.engine = New(Deps{
		Runner:    scoring.NewRunner(scorers, time.Second, logger, metrics),
		Config:    cfg,
		Lifecycle: lifecycle.NewManager(store, lifecycle.DefaultOptions(), logger, metrics),
		Store:     store,
		Geocoder:  fakeGeocoder{name: "Sumida"},
		Archiver:  f.archiver,
		Narrator:  f.narrator,
		Logger:    logger,
		Metrics:   metrics,
	}, DefaultOptions())
	return f
}

func rawReading(id, typ string, value float64, at time.Time) domain.RawReading {
	return domain.RawReading{
		SensorID:  id,
		Type:      typ,
		Value:     &value,
		Lat:       sumida.Lat,
		Lon:       sumida.Lon,
		Timestamp: at,
	}
}

func TestIngest_AssignsClusterAndArchives(t *testing.T) {
	f := newFixture(t, workedExample())

	r, clusterID, err := f.engine.Ingest(context.Background(), rawReading("rain-1", "rain", 12, now.Add(-time.Minute)))

	require.NoError(t, err)
	assert.Equal(t, domain.ClusterKey(sumida, domain.DefaultCellDegrees), clusterID)
	assert.Equal(t, domain.SensorRain, r.Type)
	assert.False(t, r.Stale)
	assert.Equal(t, []string{clusterID}, f.archiver.clusters)
	assert.Equal(t, []string{clusterID}, f.engine.windows.Clusters())
}

func TestIngest_RejectsInvalidReading(t *testing.T) {
	f := newFixture(t, workedExample())

	_, _, err := f.engine.Ingest(context.Background(), rawReading("wind-1", "wind", -3, now))

	var nerr *domain.NormalizationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "value", nerr.Field)
	assert.Empty(t, f.archiver.clusters)
	assert.Empty(t, f.engine.windows.Clusters())
}

func TestIngest_ArchiveFailureDoesNotRejectReading(t *testing.T) {
	f := newFixture(t, workedExample())
	f.archiver.err = errors.New("influx unavailable")

	_, _, err := f.engine.Ingest(context.Background(), rawReading("rain-1", "rain", 12, now))

	require.NoError(t, err)
}

func TestAssess_WorkedExampleOpensAlert(t *testing.T) {
	f := newFixture(t, workedExample())
	_, clusterID, err := f.engine.Ingest(context.Background(), rawReading("rain-1", "rain", 40, now.Add(-2*time.Minute)))
	require.NoError(t, err)

	res, err := f.engine.Assess(context.Background(), clusterID)

	require.NoError(t, err)
	a := res.Assessment
	assert.Equal(t, 66, a.RiskScore)
	assert.Equal(t, domain.CategoryHigh, a.Category)
	assert.Equal(t, clusterID, a.ClusterID)
	assert.Equal(t, now, a.Time)
	assert.Equal(t, "Sumida", a.Location.Name)
	assert.InDelta(t, sumida.Lat, a.Location.Geo.Lat, 1e-9)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.Verified())

	require.Len(t, res.Events, 1)
	assert.Equal(t, lifecycle.EventOpened, res.Events[0].Kind)
	assert.Equal(t, a.ID, res.Events[0].Alert.AssessmentID)

	stored, err := f.store.GetAssessment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.RiskScore, stored.RiskScore)
	assert.Equal(t, []string{a.ID}, f.narrator.ids)
}

func TestAssess_UnknownCluster(t *testing.T) {
	f := newFixture(t, workedExample())

	_, err := f.engine.Assess(context.Background(), "cell:0:0")

	require.ErrorIs(t, err, ErrUnknownCluster)
}

func TestAssess_NoConfidentScores(t *testing.T) {
	f := newFixture(t, []scoring.Scorer{
		fixedScorer{domain.ComponentScore{Component: domain.ComponentTrend}},
		fixedScorer{domain.ComponentScore{Component: domain.ComponentFusion}},
	})
	_, clusterID, err := f.engine.Ingest(context.Background(), rawReading("rain-1", "rain", 40, now))
	require.NoError(t, err)

	_, err = f.engine.Assess(context.Background(), clusterID)

	require.ErrorIs(t, err, domain.ErrNoConfidentScores)
	assessments, err := f.store.ListAssessments(context.Background(), lifecycle.AssessmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, assessments)
}

func TestAssess_SilentSensorsStopScoring(t *testing.T) {
	f := newFixture(t, scoring.DefaultScorers(scoring.NewHoltForecaster()))
	clock := clockwork.NewFakeClockAt(now)
	domain.SetClock(clock)
	ctx := context.Background()

	var clusterID string
	for i := range 4 {
		at := now.Add(time.Duration(i-4) * 3 * time.Minute)
		_, id, err := f.engine.Ingest(ctx, rawReading("rain-1", "rain", 20+float64(i)*15, at))
		require.NoError(t, err)
		_, _, err = f.engine.Ingest(ctx, rawReading("river-1", "river_level", 2+float64(i), at))
		require.NoError(t, err)
		clusterID = id
	}

	_, err := f.engine.Assess(ctx, clusterID)
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	_, err = f.engine.Assess(ctx, clusterID)

	require.ErrorIs(t, err, domain.ErrNoConfidentScores)
}

func TestSensors_ReportLatestReadingAndAge(t *testing.T) {
	f := newFixture(t, workedExample())
	clock := clockwork.NewFakeClockAt(now)
	domain.SetClock(clock)
	ctx := context.Background()

	_, clusterID, err := f.engine.Ingest(ctx, rawReading("rain-1", "rain", 12, now.Add(-time.Minute)))
	require.NoError(t, err)

	st, ok := f.engine.Sensor("rain-1")
	require.True(t, ok)
	assert.Equal(t, clusterID, st.ClusterID)
	assert.InDelta(t, 12.0, st.Latest.Value, 1e-9)
	assert.False(t, st.Stale)

	clock.Advance(30 * time.Minute)
	st, ok = f.engine.Sensor("rain-1")
	require.True(t, ok)
	assert.True(t, st.Stale)

	_, ok = f.engine.Sensor("missing")
	assert.False(t, ok)
	assert.Len(t, f.engine.Sensors(), 1)
}

func TestAssess_ConfirmingVerificationLiftsOneLevel(t *testing.T) {
	f := newFixture(t, workedExample())
	_, clusterID, err := f.engine.Ingest(context.Background(), rawReading("rain-1", "rain", 40, now))
	require.NoError(t, err)

	verifiedCluster, err := f.engine.RecordVerification(sumida, domain.Verification{
		Source:     "marker-7",
		Recognized: true,
		ColorState: domain.ColorRed,
		Integrity:  0.92,
		ObservedAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, clusterID, verifiedCluster)

	res, err := f.engine.Assess(context.Background(), clusterID)

	require.NoError(t, err)
	a := res.Assessment
	assert.Equal(t, domain.CategoryHigh, a.StatisticalCategory)
	assert.Equal(t, domain.CategorySevere, a.Category)
	assert.Equal(t, 66, a.RiskScore)
	require.NotNil(t, a.TrustScore)
	assert.InDelta(t, 0.92, *a.TrustScore, 1e-9)
	assert.True(t, res.Events[0].Alert.Verified)
}

func TestAssess_ExpiredVerificationIgnored(t *testing.T) {
	f := newFixture(t, workedExample())
	_, clusterID, err := f.engine.Ingest(context.Background(), rawReading("rain-1", "rain", 40, now))
	require.NoError(t, err)
	_, err = f.engine.RecordVerification(sumida, domain.Verification{
		Recognized: true,
		ColorState: domain.ColorRed,
		Integrity:  0.95,
		ObservedAt: now.Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	res, err := f.engine.Assess(context.Background(), clusterID)

	require.NoError(t, err)
	assert.Equal(t, domain.CategoryHigh, res.Assessment.Category)
	assert.Nil(t, res.Assessment.Verification)
}

func TestRecordVerification_RejectsInvalid(t *testing.T) {
	f := newFixture(t, workedExample())

	_, err := f.engine.RecordVerification(sumida, domain.Verification{ColorState: "PURPLE"})

	require.Error(t, err)
}

func TestAssess_UsesUpdatedSettings(t *testing.T) {
	f := newFixture(t, workedExample())
	_, clusterID, err := f.engine.Ingest(context.Background(), rawReading("rain-1", "rain", 40, now))
	require.NoError(t, err)

	next := f.engine.Config().Current()
	next.Thresholds = domain.ThresholdConfig{Moderate: 70, High: 80, Severe: 95}
	require.NoError(t, f.engine.Config().Update(context.Background(), next))

	res, err := f.engine.Assess(context.Background(), clusterID)

	require.NoError(t, err)
	assert.Equal(t, domain.CategoryLow, res.Assessment.Category)
	assert.Empty(t, res.Events, "low assessments do not open alerts")
}

func TestAssessClusters_SkipsFailuresAndKeepsOrder(t *testing.T) {
	f := newFixture(t, workedExample())
	ctx := context.Background()

	east := domain.Geo{Lat: sumida.Lat, Lon: sumida.Lon + 0.05}
	raw := rawReading("rain-2", "rain", 40, now)
	raw.Lat, raw.Lon = east.Lat, east.Lon
	_, eastCluster, err := f.engine.Ingest(ctx, raw)
	require.NoError(t, err)
	_, westCluster, err := f.engine.Ingest(ctx, rawReading("rain-1", "rain", 40, now))
	require.NoError(t, err)

	results := f.engine.AssessClusters(ctx, []string{westCluster, "cell:missing", eastCluster})

	require.Len(t, results, 2)
	assert.Equal(t, westCluster, results[0].Assessment.ClusterID)
	assert.Equal(t, eastCluster, results[1].Assessment.ClusterID)
	// ~4.5 km apart, so each opens its own alert.
	alerts, err := f.store.ListAlerts(ctx, lifecycle.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestCorroborateAndTransition(t *testing.T) {
	f := newFixture(t, workedExample())
	ctx := context.Background()
	_, clusterID, err := f.engine.Ingest(ctx, rawReading("rain-1", "rain", 40, now))
	require.NoError(t, err)
	res, err := f.engine.Assess(ctx, clusterID)
	require.NoError(t, err)
	alertID := res.Events[0].Alert.ID

	ev, err := f.engine.Corroborate(ctx, domain.Incident{
		ID:        "jma-123",
		Type:      domain.IncidentFlood,
		Provider:  "JMA",
		Severity:  "high",
		Location:  sumida,
		StartTime: now,
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, []string{"jma-123"}, ev.Alert.Incidents)

	confirmed, err := f.engine.Transition(ctx, alertID, lifecycle.ActionConfirm, "operator-1", "")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateConfirmed, confirmed.Alert.State)
}
