// Package domain models hazard sensor readings and the risk assessments
// derived from them.
//
// # Sensor Types and Canonical Units
//
// Every reading is normalized to a canonical unit before scoring:
//
//	rain         mm/h   (accepts in/h)
//	wind         m/s    (accepts km/h, mph, kt)
//	river_level  m      (accepts cm, ft)
//	seismic      g      (accepts gal)
//	camera       state  0 = clear, 1 = hazard detected
//	acoustic     dB
//
// Type names from field devices arrive in several spellings ("River Level",
// "RiverLevel", "river_level"); [ParseSensorType] folds them together.
//
// # Freshness
//
// A reading older than its type's freshness window at ingestion time is kept
// for audit but marked Stale and excluded from scoring:
//
//	rain, wind, river_level   15m
//	seismic                   60m
//	camera, acoustic          10m
//
// Readings stamped more than MaxFutureSkew ahead of the ingestion clock are
// rejected outright.
//
// # Risk Categories
//
// A risk score in [0,100] maps to one of four categories using inclusive
// lower bounds from [ThresholdConfig]:
//
//	score >= severe    severe
//	score >= high      high
//	score >= moderate  moderate
//	otherwise          low
//
// Defaults are moderate 50, high 75, severe 90.
//
// # Aggregation
//
// Component sub-scores are combined with configured weights renormalized over
// the components that reported confidence > 0. A component that times out or
// lacks data contributes nothing and the remaining weights absorb its share.
// See [Aggregator.Aggregate].
//
// # Physical Verification
//
// A camera pattern recognizer (colour-coded marker boards) can confirm a hazard.
// A recognized RED marker with integrity at or above the floor lifts the
// category one level and raises the trust score. Verification never lowers a
// category. See [ApplyVerification].
package domain
