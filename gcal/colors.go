package gcal

import "strings"

// Google Calendar event colorIds.
const (
	ColorLavender  = "1"
	ColorBanana    = "5"
	ColorBlueberry = "9"
	ColorBasil     = "10"
	ColorTomato    = "11"
)

var priorityColors = map[string]string{
	"urgent": ColorTomato,
	"high":   ColorBlueberry,
	"normal": ColorBasil,
	"medium": ColorBasil,
	"low":    ColorBanana,
}

// ColorForPriority maps a task priority to a colorId: urgent red, high blue,
// normal green, low yellow, anything else lavender.
func ColorForPriority(priority string) string {
	if c, ok := priorityColors[strings.ToLower(strings.TrimSpace(priority))]; ok {
		return c
	}
	return ColorLavender
}
