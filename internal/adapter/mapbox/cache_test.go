package mapbox

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
)

type countingGeocoder struct {
	calls  int
	result domain.GeocodingResult
	err    error
}

func (m *countingGeocoder) ReverseGeocode(_ context.Context, _, _ float64) (domain.GeocodingResult, error) {
	m.calls++
	return m.result, m.err
}

func TestCachedGeocoder_HitsWithinRounding(t *testing.T) {
	inner := &countingGeocoder{result: domain.GeocodingResult{PlaceName: "墨田区", FormattedAddress: "墨田区, 東京都"}}
	metrics := observability.NewMetricsForTesting()
	cached := NewCachedGeocoder(inner, 10, metrics)

	r1, err := cached.ReverseGeocode(context.Background(), 35.71001, 139.80001)
	require.NoError(t, err)
	r2, err := cached.ReverseGeocode(context.Background(), 35.71002, 139.80002)
	require.NoError(t, err)

	assert.Equal(t, "墨田区", r1.PlaceName)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, inner.calls)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.GeocodeCache.WithLabelValues("hit")), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.GeocodeCache.WithLabelValues("miss")), 0)
}

func TestCachedGeocoder_DistinctCellsMiss(t *testing.T) {
	inner := &countingGeocoder{result: domain.GeocodingResult{FormattedAddress: "somewhere"}}
	cached := NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

	_, _ = cached.ReverseGeocode(context.Background(), 35.71, 139.80)
	_, _ = cached.ReverseGeocode(context.Background(), 34.69, 135.50)

	assert.Equal(t, 2, inner.calls)
}

func TestCachedGeocoder_DoesNotCacheEmptyOrErrors(t *testing.T) {
	inner := &countingGeocoder{}
	cached := NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

	_, _ = cached.ReverseGeocode(context.Background(), 35.71, 139.80)
	inner.err = errors.New("timeout")
	_, err := cached.ReverseGeocode(context.Background(), 35.71, 139.80)

	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
	assert.Zero(t, cached.cache.len())
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", domain.GeocodingResult{PlaceName: "A"})
	c.put("b", domain.GeocodingResult{PlaceName: "B"})

	_, _ = c.get("a")
	c.put("c", domain.GeocodingResult{PlaceName: "C"})

	_, ok := c.get("a")
	assert.True(t, ok, "recently read entry survives")
	_, ok = c.get("b")
	assert.False(t, ok, "b was least recently used")
	assert.Equal(t, 2, c.len())
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", domain.GeocodingResult{PlaceName: "A1"})
	c.put("a", domain.GeocodingResult{PlaceName: "A2"})

	result, ok := c.get("a")

	assert.True(t, ok)
	assert.Equal(t, "A2", result.PlaceName)
	assert.Equal(t, 1, c.len())
}

func TestLRUCache_SingleSlot(t *testing.T) {
	c := newLRUCache(0)
	c.put("a", domain.GeocodingResult{PlaceName: "A"})
	c.put("b", domain.GeocodingResult{PlaceName: "B"})

	_, ok := c.get("a")
	assert.False(t, ok)
	got, ok := c.get("b")
	assert.True(t, ok)
	assert.Equal(t, "B", got.PlaceName)
}
