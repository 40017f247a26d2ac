package schedule

import "time"

const (
	DefaultRowHeightPx      = 120
	DefaultMinEventHeightPx = 30
	minutesPerDay           = 24 * 60
)

// Layout converts times into time-grid pixels. One row is one hour.
type Layout struct {
	RowHeightPx      int
	MinEventHeightPx int
	Location         *time.Location
}

// DefaultLayout is the 120px-per-hour grid in UTC.
func DefaultLayout() Layout {
	return Layout{RowHeightPx: DefaultRowHeightPx, MinEventHeightPx: DefaultMinEventHeightPx, Location: time.UTC}
}

func (l Layout) loc() *time.Location {
	if l.Location == nil {
		return time.UTC
	}
	return l.Location
}

func (l Layout) pxPerMinute() float64 {
	row := l.RowHeightPx
	if row <= 0 {
		row = DefaultRowHeightPx
	}
	return float64(row) / 60
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Position is the vertical offset of t from midnight.
func (l Layout) Position(t time.Time) float64 {
	return float64(minuteOfDay(t.In(l.loc()))) * l.pxPerMinute()
}

// Height is the rendered height of [start, end), clipped at midnight and
// never below MinEventHeightPx.
func (l Layout) Height(start, end time.Time) float64 {
	start, end = start.In(l.loc()), end.In(l.loc())
	minutes := int(end.Sub(start) / time.Minute)
	if remaining := minutesPerDay - minuteOfDay(start); minutes > remaining {
		minutes = remaining
	}
	h := float64(minutes) * l.pxPerMinute()
	if minH := float64(l.minHeight()); h < minH {
		return minH
	}
	return h
}

func (l Layout) minHeight() int {
	if l.MinEventHeightPx <= 0 {
		return DefaultMinEventHeightPx
	}
	return l.MinEventHeightPx
}

// StartOfDay truncates t to midnight in the layout's timezone.
func (l Layout) StartOfDay(t time.Time) time.Time {
	t = t.In(l.loc())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, l.loc())
}

// DayIndex returns the bucket of t among days calendar days starting at
// weekStart, comparing year/month/day in the layout's timezone.
func (l Layout) DayIndex(t, weekStart time.Time, days int) (int, bool) {
	t = t.In(l.loc())
	ws := l.StartOfDay(weekStart)
	for i := 0; i < days; i++ {
		d := ws.AddDate(0, 0, i)
		if t.Year() == d.Year() && t.Month() == d.Month() && t.Day() == d.Day() {
			return i, true
		}
	}
	return -1, false
}
