package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorAggregateMerge(t *testing.T) {
	window := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	base := &ErrorAggregate{
		WindowStart:     window,
		Service:         "gemini",
		Category:        CategoryNetwork,
		Count:           5,
		HighestSeverity: SeverityMedium,
		SampleIDs:       []string{"a", "b"},
		UserImpact:      map[ImpactLevel]int64{ImpactMedium: 5},
		BusinessImpact:  map[ImpactLevel]int64{ImpactLow: 5},
	}
	delta := &ErrorAggregate{
		WindowStart:     window,
		Service:         "gemini",
		Category:        CategoryNetwork,
		Count:           2,
		HighestSeverity: SeverityCritical,
		SampleIDs:       []string{"c", "d"},
		UserImpact:      map[ImpactLevel]int64{ImpactMedium: 1, ImpactHigh: 1},
		BusinessImpact:  map[ImpactLevel]int64{ImpactLow: 2},
	}

	base.Merge(delta)

	assert.Equal(t, int64(7), base.Count)
	assert.Equal(t, SeverityCritical, base.HighestSeverity)
	assert.Equal(t, []string{"a", "b", "c", "d"}, base.SampleIDs)
	assert.Equal(t, int64(6), base.UserImpact[ImpactMedium])
	assert.Equal(t, int64(1), base.UserImpact[ImpactHigh])
	assert.Equal(t, int64(7), base.BusinessImpact[ImpactLow])
}

func TestErrorAggregateMerge_LowerSeverityKept(t *testing.T) {
	base := &ErrorAggregate{Count: 1, HighestSeverity: SeverityHigh}
	delta := &ErrorAggregate{Count: 1, HighestSeverity: SeverityLow}

	base.Merge(delta)

	assert.Equal(t, SeverityHigh, base.HighestSeverity)
}

func TestErrorAggregateMerge_SamplesBounded(t *testing.T) {
	base := &ErrorAggregate{
		SampleIDs: []string{"1", "2", "3", "4", "5", "6", "7", "8"},
	}
	delta := &ErrorAggregate{
		SampleIDs: []string{"9", "10", "11", "12"},
	}

	base.Merge(delta)

	// Oldest two fall off, the delta's newest samples survive.
	assert.Len(t, base.SampleIDs, MaxAggregateSamples)
	assert.Equal(t, "3", base.SampleIDs[0])
	assert.Equal(t, "12", base.SampleIDs[MaxAggregateSamples-1])
}

func TestErrorAggregateMerge_NilMaps(t *testing.T) {
	base := &ErrorAggregate{Count: 1}
	delta := &ErrorAggregate{
		Count:          1,
		UserImpact:     map[ImpactLevel]int64{ImpactLow: 1},
		BusinessImpact: map[ImpactLevel]int64{ImpactNone: 1},
	}

	base.Merge(delta)

	assert.Equal(t, int64(1), base.UserImpact[ImpactLow])
	assert.Equal(t, int64(1), base.BusinessImpact[ImpactNone])
}
