package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Category is the discrete risk level derived from a score.
type Category string

const (
	CategoryLow      Category = "low"
	CategoryModerate Category = "moderate"
	CategoryHigh     Category = "high"
	CategorySevere   Category = "severe"
)

var categoryOrder = []Category{CategoryLow, CategoryModerate, CategoryHigh, CategorySevere}

// ParseCategory accepts any casing of a category name.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range categoryOrder {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// Level returns the ordinal of the category, Low being 0. Unknown categories return -1.
func (c Category) Level() int {
	for i, known := range categoryOrder {
		if c == known {
			return i
		}
	}
	return -1
}

// Next returns the category one level above c, capped at Severe.
func (c Category) Next() Category {
	l := c.Level()
	if l < 0 || l+1 >= len(categoryOrder) {
		return CategorySevere
	}
	return categoryOrder[l+1]
}

// MaxCategory returns the more severe of a and b.
func MaxCategory(a, b Category) Category {
	if b.Level() > a.Level() {
		return b
	}
	return a
}

// Component names a risk scorer.
type Component string

const (
	ComponentTrend    Component = "trend"
	ComponentFusion   Component = "fusion"
	ComponentOutlier  Component = "outlier"
	ComponentForecast Component = "forecast"
)

// Components lists the scorers in reporting order.
var Components = []Component{ComponentTrend, ComponentFusion, ComponentOutlier, ComponentForecast}

// ComponentScore is the output of one scorer for one cluster.
type ComponentScore struct {
	Component  Component `json:"component"`
	SubScore   float64   `json:"sub_score"`
	Confidence float64   `json:"confidence"`
	SensorIDs  []string  `json:"sensor_ids,omitempty"`
}

// Location names where an assessment applies.
type Location struct {
	Name string `json:"name,omitempty"`
	Geo  Geo    `json:"geo"`
}

// RiskAssessment is the fused result for one cluster at one instant.
// StatisticalCategory is always derived from RiskScore and the thresholds in
// force; Category differs only when physical verification lifted it.
type RiskAssessment struct {
	ID                  string           `json:"id"`
	ClusterID           string           `json:"cluster_id"`
	Location            Location         `json:"location"`
	Time                time.Time        `json:"time"`
	RiskScore           int              `json:"risk_score"`
	Category            Category         `json:"category"`
	StatisticalCategory Category         `json:"statistical_category"`
	ContributingSensors []string         `json:"contributing_sensors"`
	Components          []ComponentScore `json:"components"`
	Explanation         string           `json:"explanation"`
	Summary             string           `json:"summary,omitempty"`
	Narrative           string           `json:"narrative,omitempty"`
	Confidence          float64          `json:"confidence"`
	TrustScore          *float64         `json:"trust_score,omitempty"`
	Verification        *Verification    `json:"verification,omitempty"`
}

// ThresholdConfig holds inclusive lower bounds for each category above Low.
type ThresholdConfig struct {
	Moderate int `json:"moderate" yaml:"moderate"`
	High     int `json:"high" yaml:"high"`
	Severe   int `json:"severe" yaml:"severe"`
}

// DefaultThresholds returns moderate 50, high 75, severe 90.
func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{Moderate: 50, High: 75, Severe: 90}
}

// Validate requires 0 <= moderate < high < severe <= 100.
func (t ThresholdConfig) Validate() error {
	if t.Moderate < 0 || t.Severe > 100 || t.Moderate >= t.High || t.High >= t.Severe {
		return &ConfigurationError{Reason: fmt.Sprintf(
			"thresholds must satisfy 0 <= moderate < high < severe <= 100, got moderate=%d high=%d severe=%d",
			t.Moderate, t.High, t.Severe)}
	}
	return nil
}

// Categorize maps a score to its category.
func (t ThresholdConfig) Categorize(score int) Category {
	switch {
	case score >= t.Severe:
		return CategorySevere
	case score >= t.High:
		return CategoryHigh
	case score >= t.Moderate:
		return CategoryModerate
	default:
		return CategoryLow
	}
}

// WeightConfig holds the relative weight of each component, summing to 100.
type WeightConfig map[Component]float64

// weightSumTolerance absorbs rounding in operator-entered percentages.
const weightSumTolerance = 0.5

// DefaultWeights returns trend 40, fusion 25, outlier 20, forecast 15.
func DefaultWeights() WeightConfig {
	return WeightConfig{
		ComponentTrend:    40,
		ComponentFusion:   25,
		ComponentOutlier:  20,
		ComponentForecast: 15,
	}
}

// Validate checks each weight is in [0,100] for a known component and the sum is 100.
func (w WeightConfig) Validate() error {
	if len(w) == 0 {
		return &ConfigurationError{Reason: "weights are required"}
	}
	var sum float64
	for c, v := range w {
		if !isKnownComponent(c) {
			return &ConfigurationError{Reason: fmt.Sprintf("unknown component %q", c)}
		}
		if math.IsNaN(v) || v < 0 || v > 100 {
			return &ConfigurationError{Reason: fmt.Sprintf("weight for %s must be in [0,100], got %g", c, v)}
		}
		sum += v
	}
	if math.Abs(sum-100) > weightSumTolerance {
		return &ConfigurationError{Reason: fmt.Sprintf("weights must sum to 100, got %g", sum)}
	}
	return nil
}

// Clone returns an independent copy.
func (w WeightConfig) Clone() WeightConfig {
	out := make(WeightConfig, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func isKnownComponent(c Component) bool {
	for _, known := range Components {
		if c == known {
			return true
		}
	}
	return false
}
