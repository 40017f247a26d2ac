package schedule

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
)

const icsProductID = "-//renko//calendar week export//EN"

// ExportICS renders a merged week as an iCalendar document.
func ExportICS(week *Week, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(icsProductID)
	cal.SetName(fmt.Sprintf("Renko week of %s", week.WeekStart.Format("2006-01-02")))

	for i := range week.Entries {
		e := &week.Entries[i]
		ev := cal.AddEvent(fmt.Sprintf("%s-%s@renko", e.Source, e.ID))
		ev.SetDtStampTime(stamp.UTC())
		ev.SetSummary(e.Title)
		if e.Description != "" {
			ev.SetDescription(e.Description)
		}
		if e.AllDay() {
			ev.SetAllDayStartAt(e.Start)
			ev.SetAllDayEndAt(e.End)
		} else {
			ev.SetStartAt(e.Start)
			ev.SetEndAt(e.End)
		}
		ev.AddProperty(ical.ComponentPropertyCategories, string(e.Source))

		switch e.Source {
		case SourceApp:
		case SourceTask:
			if e.Priority != "" {
				ev.AddProperty(ical.ComponentProperty("X-RENKO-PRIORITY"), e.Priority)
			}
		case SourceExternal:
			if e.External.Location != "" {
				ev.SetLocation(e.External.Location)
			}
		}
	}
	return cal.Serialize()
}
