package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentoauth/go-core/pkg/types"
)

func TestAlignedID(t *testing.T) {
	at := time.Date(2025, 11, 5, 12, 34, 56, 0, time.UTC)

	tests := []struct {
		period types.Period
		want   string
	}{
		{types.PeriodHour, "2025-11-05-12"},
		{types.PeriodDay, "2025-11-05"},
		{types.PeriodWeek, "2025-W45"},
		{types.PeriodMonth, "2025-11"},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			assert.Equal(t, tt.want, AlignedID(tt.period, at))
		})
	}
}

func TestAlignedIDNormalizesToUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	// 23:00 EST on Nov 4 is already Nov 5 in UTC.
	at := time.Date(2025, 11, 4, 23, 0, 0, 0, est)
	assert.Equal(t, "2025-11-05", AlignedID(types.PeriodDay, at))
	assert.Equal(t, "2025-11-05-04", AlignedID(types.PeriodHour, at))
}

func TestAlignedIDISOWeekBoundaries(t *testing.T) {
	// Mon 2024-12-30 belongs to ISO week 1 of 2025.
	assert.Equal(t, "2025-W01", AlignedID(types.PeriodWeek, time.Date(2024, 12, 30, 8, 0, 0, 0, time.UTC)))
	// Fri 2027-01-01 still belongs to ISO week 53 of 2026.
	assert.Equal(t, "2026-W53", AlignedID(types.PeriodWeek, time.Date(2027, 1, 1, 8, 0, 0, 0, time.UTC)))
}

func TestPeriodEnd(t *testing.T) {
	at := time.Date(2025, 11, 5, 12, 34, 56, 0, time.UTC) // Wednesday

	tests := []struct {
		period types.Period
		want   time.Time
	}{
		{types.PeriodHour, time.Date(2025, 11, 5, 13, 0, 0, 0, time.UTC)},
		{types.PeriodDay, time.Date(2025, 11, 6, 0, 0, 0, 0, time.UTC)},
		{types.PeriodWeek, time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC)}, // next Monday
		{types.PeriodMonth, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			assert.True(t, PeriodEnd(tt.period, at).Equal(tt.want),
				"got %s want %s", PeriodEnd(tt.period, at), tt.want)
		})
	}
}

func TestPeriodEndSundayBelongsToCurrentWeek(t *testing.T) {
	sunday := time.Date(2025, 11, 9, 23, 0, 0, 0, time.UTC)
	assert.True(t, PeriodEnd(types.PeriodWeek, sunday).Equal(time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC)))
}

func TestBudgetTTLOutlivesPeriod(t *testing.T) {
	at := time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)
	// 12h left in the day plus one nominal day.
	assert.Equal(t, 36*time.Hour, BudgetTTL(types.PeriodDay, at))
	assert.Equal(t, time.Hour+time.Hour, BudgetTTL(types.PeriodHour, at))
}

func TestBudgetKey(t *testing.T) {
	at := time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "budget:pol_1:day:2025-11-05", BudgetKey("pol_1", types.PeriodDay, at))
	assert.Equal(t, "budget:pol_1:week:2025-W45", BudgetKey("pol_1", types.PeriodWeek, at))
}
