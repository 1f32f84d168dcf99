package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assessment(category Category, confidence float64) RiskAssessment {
	return RiskAssessment{RiskScore: 60, Category: category, StatisticalCategory: category, Confidence: confidence}
}

func TestApplyVerification(t *testing.T) {
	red := func(integrity float64) *Verification {
		return &Verification{Source: "icot-cam-3", Recognized: true, ColorState: ColorRed, Integrity: integrity}
	}

	tests := []struct {
		name      string
		in        RiskAssessment
		v         *Verification
		wantCat   Category
		wantTrust float64
	}{
		{"no verification", assessment(CategoryHigh, 0.6), nil, CategoryHigh, 0.6},
		{"passing upgrades one level", assessment(CategoryModerate, 0.6), red(0.9), CategoryHigh, 0.9},
		{"at floor passes", assessment(CategoryLow, 0.5), red(0.8), CategoryModerate, 0.8},
		{"severe stays severe", assessment(CategorySevere, 0.95), red(0.85), CategorySevere, 0.95},
		{"below floor ignored", assessment(CategoryModerate, 0.6), red(0.79), CategoryModerate, 0.6},
		{"unrecognized ignored", assessment(CategoryModerate, 0.6),
			&Verification{Recognized: false, ColorState: ColorRed, Integrity: 1}, CategoryModerate, 0.6},
		{"green does not downgrade", assessment(CategoryHigh, 0.7),
			&Verification{Recognized: true, ColorState: ColorGreen, Integrity: 1}, CategoryHigh, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyVerification(tt.in, tt.v, DefaultIntegrityFloor)

			assert.Equal(t, tt.wantCat, got.Category)
			assert.Equal(t, tt.in.StatisticalCategory, got.StatisticalCategory)
			assert.GreaterOrEqual(t, got.Category.Level(), got.StatisticalCategory.Level())
			require.NotNil(t, got.TrustScore)
			assert.InDelta(t, tt.wantTrust, *got.TrustScore, 1e-9)
			if tt.v != nil {
				require.NotNil(t, got.Verification)
				assert.Equal(t, *tt.v, *got.Verification)
			}
		})
	}
}

func TestApplyVerification_NotCumulative(t *testing.T) {
	v := &Verification{Recognized: true, ColorState: ColorRed, Integrity: 0.9}

	once := ApplyVerification(assessment(CategoryLow, 0.5), v, DefaultIntegrityFloor)
	twice := ApplyVerification(once, v, DefaultIntegrityFloor)

	assert.Equal(t, CategoryModerate, twice.Category)
	assert.True(t, twice.Verified())
}

func TestVerification_Validate(t *testing.T) {
	assert.NoError(t, Verification{ColorState: ColorBlack, Integrity: 0.2}.Validate())
	assert.Error(t, Verification{ColorState: "PURPLE", Integrity: 0.2}.Validate())
	assert.Error(t, Verification{ColorState: ColorRed, Integrity: 1.2}.Validate())
}
