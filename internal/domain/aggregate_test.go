package domain

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func score(c Component, sub, conf float64, sensors ...string) ComponentScore {
	return ComponentScore{Component: c, SubScore: sub, Confidence: conf, SensorIDs: sensors}
}

func TestAggregate_WorkedExample(t *testing.T) {
	scores := []ComponentScore{
		score(ComponentTrend, 80, 1, "rain-1"),
		score(ComponentFusion, 60, 0.7, "rain-1", "river-1"),
		score(ComponentOutlier, 0, 0, "seismic-1"),
		score(ComponentForecast, 40, 0.2, "river-1", "wind-1"),
	}
	thresholds := ThresholdConfig{Moderate: 30, High: 60, Severe: 90}

	got, err := Aggregate(scores, DefaultWeights(), thresholds)

	require.NoError(t, err)
	// (40*80 + 25*60 + 15*40) / 80 = 66.25
	assert.Equal(t, 66, got.RiskScore)
	assert.Equal(t, CategoryHigh, got.Category)
	assert.Equal(t, CategoryHigh, got.StatisticalCategory)
	// forecast is below the 0.25 contribution floor, outlier has no confidence.
	if diff := cmp.Diff([]string{"rain-1", "river-1"}, got.ContributingSensors); diff != "" {
		t.Errorf("contributing sensors mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, got.Components, 4)
	assert.Contains(t, got.Explanation, "outlier: unavailable")
	// (40*1 + 25*0.7 + 20*0 + 15*0.2) / 100
	assert.InDelta(t, 0.605, got.Confidence, 1e-9)
}

func TestAggregate_Idempotent(t *testing.T) {
	scores := []ComponentScore{
		score(ComponentTrend, 33, 0.9),
		score(ComponentFusion, 71, 0.4),
		score(ComponentOutlier, 12, 0.8),
		score(ComponentForecast, 90, 0.6),
	}

	first, err := Aggregate(scores, DefaultWeights(), DefaultThresholds())
	require.NoError(t, err)
	second, err := Aggregate(scores, DefaultWeights(), DefaultThresholds())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAggregate_ScoreRangeAndBoundaries(t *testing.T) {
	thresholds := ThresholdConfig{Moderate: 50, High: 75, Severe: 90}
	tests := []struct {
		sub  float64
		want Category
	}{
		{0, CategoryLow},
		{49, CategoryLow},
		{50, CategoryModerate},
		{74, CategoryModerate},
		{75, CategoryHigh},
		{89, CategoryHigh},
		{90, CategorySevere},
		{100, CategorySevere},
		{250, CategorySevere},
		{-10, CategoryLow},
	}

	for _, tt := range tests {
		got, err := Aggregate([]ComponentScore{score(ComponentTrend, tt.sub, 1)}, DefaultWeights(), thresholds)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.RiskScore, 0)
		assert.LessOrEqual(t, got.RiskScore, 100)
		assert.Equal(t, tt.want, got.Category, "sub-score %v", tt.sub)
	}
}

func TestAggregate_Renormalization(t *testing.T) {
	weights := WeightConfig{ComponentTrend: 50, ComponentFusion: 50}

	got, err := Aggregate([]ComponentScore{
		score(ComponentTrend, 80, 1),
		score(ComponentFusion, 20, 0),
	}, weights, DefaultThresholds())

	require.NoError(t, err)
	assert.Equal(t, 80, got.RiskScore)
}

func TestAggregate_MissingScorerTreatedAsUnavailable(t *testing.T) {
	got, err := Aggregate([]ComponentScore{score(ComponentFusion, 60, 1)}, DefaultWeights(), DefaultThresholds())

	require.NoError(t, err)
	assert.Equal(t, 60, got.RiskScore)
	require.Len(t, got.Components, 4)
	assert.Equal(t, ComponentTrend, got.Components[0].Component)
	assert.Zero(t, got.Components[0].Confidence)
}

func TestAggregate_AllZeroConfidence(t *testing.T) {
	_, err := Aggregate([]ComponentScore{
		score(ComponentTrend, 80, 0),
		score(ComponentFusion, 60, 0),
	}, DefaultWeights(), DefaultThresholds())

	require.Error(t, err)
	var cerr *ConfigurationError
	assert.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, ErrNoConfidentScores)
}

func TestAggregate_RejectsInvalidConfig(t *testing.T) {
	scores := []ComponentScore{score(ComponentTrend, 50, 1)}

	_, err := Aggregate(scores, WeightConfig{ComponentTrend: 60}, DefaultThresholds())
	assert.Error(t, err)

	_, err = Aggregate(scores, DefaultWeights(), ThresholdConfig{Moderate: 50, High: 50, Severe: 90})
	assert.Error(t, err)
}

func TestWeightConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		weights WeightConfig
		wantErr bool
	}{
		{"defaults", DefaultWeights(), false},
		{"within tolerance", WeightConfig{ComponentTrend: 50.2, ComponentFusion: 50}, false},
		{"sum too low", WeightConfig{ComponentTrend: 40, ComponentFusion: 40}, true},
		{"negative", WeightConfig{ComponentTrend: 110, ComponentFusion: -10}, true},
		{"unknown component", WeightConfig{"sentiment": 100}, true},
		{"empty", WeightConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if tt.wantErr {
				var cerr *ConfigurationError
				assert.True(t, errors.As(err, &cerr))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestThresholdConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.NoError(t, ThresholdConfig{Moderate: 0, High: 1, Severe: 100}.Validate())
	assert.Error(t, ThresholdConfig{Moderate: -1, High: 50, Severe: 90}.Validate())
	assert.Error(t, ThresholdConfig{Moderate: 60, High: 50, Severe: 90}.Validate())
	assert.Error(t, ThresholdConfig{Moderate: 10, High: 50, Severe: 101}.Validate())
}

func TestCategory_Next(t *testing.T) {
	assert.Equal(t, CategoryModerate, CategoryLow.Next())
	assert.Equal(t, CategoryHigh, CategoryModerate.Next())
	assert.Equal(t, CategorySevere, CategoryHigh.Next())
	assert.Equal(t, CategorySevere, CategorySevere.Next())
}
