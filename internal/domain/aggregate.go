package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultContributionFloor is the confidence a component needs before its
// sensors are listed as contributing.
const DefaultContributionFloor = 0.25

// Aggregator fuses component scores into a RiskAssessment.
type Aggregator struct {
	ContributionFloor float64
}

// Aggregate computes the weighted score with the package defaults.
func Aggregate(scores []ComponentScore, weights WeightConfig, thresholds ThresholdConfig) (RiskAssessment, error) {
	return Aggregator{ContributionFloor: DefaultContributionFloor}.Aggregate(scores, weights, thresholds)
}

// Aggregate renormalizes the configured weights over components with
// confidence > 0, rounds the weighted sum to an integer score in [0,100] and
// categorizes it. The result carries no ID, cluster or timestamp.
//
// Scores for components without a configured weight are ignored. If no
// weighted component is confident, a *ConfigurationError wrapping
// ErrNoConfidentScores is returned.
func (a Aggregator) Aggregate(scores []ComponentScore, weights WeightConfig, thresholds ThresholdConfig) (RiskAssessment, error) {
	if err := weights.Validate(); err != nil {
		return RiskAssessment{}, err
	}
	if err := thresholds.Validate(); err != nil {
		return RiskAssessment{}, err
	}

	byComponent := make(map[Component]ComponentScore, len(scores))
	for _, s := range scores {
		s.SubScore = clamp(s.SubScore, 0, 100)
		s.Confidence = clamp(s.Confidence, 0, 1)
		byComponent[s.Component] = s
	}

	var activeWeight, configuredWeight, weightedConfidence float64
	for _, c := range Components {
		w, ok := weights[c]
		if !ok {
			continue
		}
		configuredWeight += w
		s, ok := byComponent[c]
		if !ok {
			continue
		}
		weightedConfidence += w * s.Confidence
		if s.Confidence > 0 {
			activeWeight += w
		}
	}
	if activeWeight == 0 {
		return RiskAssessment{}, &ConfigurationError{
			Reason: "cannot aggregate",
			Err:    ErrNoConfidentScores,
		}
	}

	var raw float64
	for _, c := range Components {
		w := weights[c]
		s, ok := byComponent[c]
		if !ok || s.Confidence <= 0 {
			continue
		}
		raw += (w / activeWeight) * s.SubScore
	}
	score := int(clamp(math.Round(raw), 0, 100))
	category := thresholds.Categorize(score)

	components := orderedComponents(byComponent, weights)
	sensors := a.contributingSensors(components)

	return RiskAssessment{
		RiskScore:           score,
		Category:            category,
		StatisticalCategory: category,
		ContributingSensors: sensors,
		Components:          components,
		Explanation:         explain(score, category, components, weights, activeWeight),
		Confidence:          clamp(weightedConfidence/configuredWeight, 0, 1),
	}, nil
}

// orderedComponents returns one entry per configured component in reporting
// order, filling absent scorers with zero confidence.
func orderedComponents(byComponent map[Component]ComponentScore, weights WeightConfig) []ComponentScore {
	out := make([]ComponentScore, 0, len(weights))
	for _, c := range Components {
		if _, ok := weights[c]; !ok {
			continue
		}
		s, ok := byComponent[c]
		if !ok {
			s = ComponentScore{Component: c}
		}
		out = append(out, s)
	}
	return out
}

func (a Aggregator) contributingSensors(components []ComponentScore) []string {
	seen := make(map[string]struct{})
	for _, c := range components {
		if c.Confidence <= a.ContributionFloor {
			continue
		}
		for _, id := range c.SensorIDs {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func explain(score int, category Category, components []ComponentScore, weights WeightConfig, activeWeight float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk score %d (%s).", score, category)
	for _, c := range components {
		if c.Confidence <= 0 {
			fmt.Fprintf(&b, " %s: unavailable.", c.Component)
			continue
		}
		fmt.Fprintf(&b, " %s: %.0f at confidence %.2f, effective weight %.1f%%.",
			c.Component, c.SubScore, c.Confidence, 100*weights[c.Component]/activeWeight)
	}
	return b.String()
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
