package domain_test

import (
	"testing"

	"github.com/followlytics/follower-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestShouldDetectUnfollows(t *testing.T) {
	tests := []struct {
		name      string
		fetched   int
		prior     int
		truncated bool
		expected  bool
	}{
		{"First extraction", 500, 0, false, true},
		{"Just below threshold", 79, 100, false, false},
		{"Exactly at threshold", 80, 100, false, true},
		{"Full coverage", 100, 100, false, true},
		{"Truncated overrides full coverage", 100, 100, true, false},
		{"Truncated first extraction", 500, 0, true, false},
		{"Fetched more than prior", 150, 100, false, true},
		{"Empty fetch against prior", 0, 100, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.ShouldDetectUnfollows(tt.fetched, tt.prior, tt.truncated, domain.DefaultCoverageThreshold)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestShouldDetectUnfollows_ZeroThresholdFallsBackToDefault(t *testing.T) {
	// 0.79 < default 0.8
	assert.False(t, domain.ShouldDetectUnfollows(79, 100, false, 0))
	assert.True(t, domain.ShouldDetectUnfollows(80, 100, false, 0))
}

func TestShouldDetectUnfollows_CustomThreshold(t *testing.T) {
	assert.True(t, domain.ShouldDetectUnfollows(50, 100, false, 0.5))
	assert.False(t, domain.ShouldDetectUnfollows(49, 100, false, 0.5))
}

func TestCoverage(t *testing.T) {
	assert.Equal(t, 1.0, domain.Coverage(0, 0))
	assert.Equal(t, 0.5, domain.Coverage(50, 100))
	assert.Equal(t, 2.0, domain.Coverage(200, 100))
}
