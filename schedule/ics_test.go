package schedule

import (
	"context"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportICS(t *testing.T) {
	f := newBuilderFixture()
	week, err := f.builder.BuildWeek(context.Background(), "u1", monday, 7)
	require.NoError(t, err)

	out := ExportICS(week, time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC))
	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR"))

	cal, err := ical.ParseCalendar(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, cal.Events(), len(week.Entries))

	summaries := map[string]bool{}
	for _, ev := range cal.Events() {
		if p := ev.GetProperty(ical.ComponentPropertySummary); p != nil {
			summaries[p.Value] = true
		}
	}
	assert.True(t, summaries["Standup"])
	assert.True(t, summaries["Write report"])
	assert.Contains(t, out, "LOCATION:Room 4")
	assert.Contains(t, out, "CATEGORIES:external")
}
