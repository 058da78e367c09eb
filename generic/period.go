package generic

// =============================================================================
// DRAWDOWN RATE - Granularity of time-based depletion
// =============================================================================

type DrawdownRate string

const (
	RateDaily   DrawdownRate = "daily"
	RateWeekly  DrawdownRate = "weekly"
	RateMonthly DrawdownRate = "monthly"
)

func (r DrawdownRate) Valid() bool {
	switch r {
	case RateDaily, RateWeekly, RateMonthly:
		return true
	}
	return false
}

// Next returns the first scheduled date for this rate strictly after date.
func (r DrawdownRate) Next(date TimePoint) TimePoint {
	switch r {
	case RateWeekly:
		return date.AddDays(7)
	case RateMonthly:
		return date.AddMonths(1)
	default:
		return date.AddDays(1)
	}
}

// =============================================================================
// PERIOD COUNTING
// =============================================================================

// Period is an inclusive date range [Start, End].
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// PeriodsBetween counts whole periods elapsed from -> to. Zero when to is not
// after from.
//
//	daily:   whole days
//	weekly:  whole days / 7
//	monthly: months whose anniversary day has been passed. The anniversary
//	         day itself still belongs to the running month, and month-end
//	         starts clamp (Jan 31 -> Feb 29 -> Mar 31).
func PeriodsBetween(from, to TimePoint, rate DrawdownRate) int {
	if !to.After(from) {
		return 0
	}
	switch rate {
	case RateDaily:
		return DaysBetween(from, to)
	case RateWeekly:
		return DaysBetween(from, to) / 7
	case RateMonthly:
		return monthsPassed(from, to)
	default:
		return 0
	}
}

func monthsPassed(from, to TimePoint) int {
	n := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if !to.After(from.AddMonths(n)) {
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}
