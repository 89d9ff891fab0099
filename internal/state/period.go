package state

import (
	"fmt"
	"time"

	"github.com/agentoauth/go-core/pkg/types"
)

// AlignedID returns the aligned period identifier for the budget key.
// All alignment is UTC; weeks use ISO-8601 numbering (Monday-anchored).
func AlignedID(p types.Period, t time.Time) string {
	t = t.UTC()
	switch p {
	case types.PeriodHour:
		return t.Format("2006-01-02-15")
	case types.PeriodDay:
		return t.Format("2006-01-02")
	case types.PeriodWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case types.PeriodMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// PeriodEnd returns the instant the current aligned period ends (exclusive).
func PeriodEnd(p types.Period, t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case types.PeriodHour:
		return t.Truncate(time.Hour).Add(time.Hour)
	case types.PeriodDay:
		return startOfDay(t).AddDate(0, 0, 1)
	case types.PeriodWeek:
		monday := startOfDay(t).AddDate(0, 0, -mondayOffset(t))
		return monday.AddDate(0, 0, 7)
	case types.PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return startOfDay(t).AddDate(0, 0, 1)
	}
}

// BudgetTTL returns how long a budget entry lives: until the period ends plus
// one full period beyond the last spend.
func BudgetTTL(p types.Period, t time.Time) time.Duration {
	untilEnd := PeriodEnd(p, t).Sub(t.UTC())
	return untilEnd + nominalDuration(p)
}

func nominalDuration(p types.Period) time.Duration {
	switch p {
	case types.PeriodHour:
		return time.Hour
	case types.PeriodDay:
		return 24 * time.Hour
	case types.PeriodWeek:
		return 7 * 24 * time.Hour
	case types.PeriodMonth:
		return 31 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// mondayOffset is the number of days since the most recent Monday.
func mondayOffset(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 { // Sunday
		return 6
	}
	return wd - 1
}

// BudgetKey derives the budget namespace key.
func BudgetKey(policyID string, p types.Period, t time.Time) string {
	return NSBudget + policyID + ":" + string(p) + ":" + AlignedID(p, t)
}
