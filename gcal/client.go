package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// PageSize is the provider-side cap; only the first page is read.
	PageSize       = 250
	defaultTimeout = 15 * time.Second
	primaryCalID   = "primary"
)

var (
	// ErrTokenExpired maps HTTP 401. Refresh the token and retry once.
	ErrTokenExpired = errors.New("calendar access token expired")
	// ErrAccessDenied maps HTTP 403: missing scopes or the Calendar API is not
	// enabled for the OAuth project. Not retryable.
	ErrAccessDenied = errors.New("calendar access denied: check granted scopes and that the Google Calendar API is enabled")
	// ErrInvalidWindow is returned when timeMin is not before timeMax.
	ErrInvalidWindow = errors.New("timeMin must be before timeMax")
)

// ProviderError covers any other provider failure, including timeouts and
// network errors. The orchestrator retries these on its next run.
type ProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("calendar provider error during %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("calendar provider error during %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classify maps a raw client error into ErrTokenExpired, ErrAccessDenied or *ProviderError.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w", op, ErrTokenExpired)
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w (%s)", op, ErrAccessDenied, apiErr.Message)
		}
		return &ProviderError{Op: op, StatusCode: apiErr.Code, Err: err}
	}
	return &ProviderError{Op: op, Err: err}
}

// RawEvent is one provider event as returned by ListEvents. Start and End hold
// either an RFC3339 date-time or, for all-day events, a YYYY-MM-DD date.
type RawEvent struct {
	ID          string
	Title       string
	Description string
	Start       string
	End         string
	AllDay      bool
	TimeZone    string
	Location    string
	Attendees   []string
	ETag        string
	Status      string
}

// EventPayload is the body of CreateEvent.
type EventPayload struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
	Priority    string
}

// Client wraps the Google Calendar v3 events endpoints. One Client is shared;
// the access token is passed per call.
type Client struct {
	timeout    time.Duration
	calendarID string
	base       http.RoundTripper
	opts       []option.ClientOption
}

// NewClient builds a client. Extra options (for instance option.WithEndpoint)
// are appended after the authenticated HTTP client.
func NewClient(timeout time.Duration, opts ...option.ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		timeout:    timeout,
		calendarID: primaryCalID,
		base:       http.DefaultTransport,
		opts:       opts,
	}
}

func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("access token is required")
	}
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.base,
		},
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, c.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return svc, nil
}

// ListEvents returns the first page of single (recurrence-expanded) events
// whose time range intersects [timeMin, timeMax), ordered by start time.
func (c *Client) ListEvents(ctx context.Context, accessToken string, timeMin, timeMax time.Time) ([]RawEvent, error) {
	if !timeMin.Before(timeMax) {
		return nil, ErrInvalidWindow
	}
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := svc.Events.List(c.calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(PageSize).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, Classify("list events", err)
	}
	if resp.NextPageToken != "" {
		zap.S().Warnf("Calendar list truncated at %d events window=%s..%s", len(resp.Items), timeMin.Format(time.RFC3339), timeMax.Format(time.RFC3339))
	}

	events := make([]RawEvent, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Id == "" {
			continue
		}
		events = append(events, toRawEvent(item))
	}
	return events, nil
}

// CreateEvent inserts an event on the primary calendar and returns its id.
func (c *Client) CreateEvent(ctx context.Context, accessToken string, payload EventPayload) (string, error) {
	if !payload.Start.Before(payload.End) {
		return "", ErrInvalidWindow
	}
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	created, err := svc.Events.Insert(c.calendarID, BuildEvent(payload)).Context(ctx).Do()
	if err != nil {
		return "", Classify("create event", err)
	}
	return created.Id, nil
}

// BuildEvent converts a payload into the provider request body.
func BuildEvent(payload EventPayload) *calendar.Event {
	tz := payload.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	start, end := payload.Start, payload.End
	if loc, err := time.LoadLocation(tz); err == nil {
		start, end = start.In(loc), end.In(loc)
	}
	return &calendar.Event{
		Summary:     payload.Summary,
		Description: payload.Description,
		Start:       &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: tz},
		End:         &calendar.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: tz},
		ColorId:     ColorForPriority(payload.Priority),
	}
}

func toRawEvent(event *calendar.Event) RawEvent {
	start, tz, allDay := formatEventDateTime(event.Start)
	end, _, _ := formatEventDateTime(event.End)

	attendees := make([]string, 0, len(event.Attendees))
	for _, a := range event.Attendees {
		if a == nil {
			continue
		}
		if a.Email != "" {
			attendees = append(attendees, a.Email)
		} else if a.DisplayName != "" {
			attendees = append(attendees, a.DisplayName)
		}
	}

	return RawEvent{
		ID:          event.Id,
		Title:       event.Summary,
		Description: event.Description,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		TimeZone:    tz,
		Location:    event.Location,
		Attendees:   attendees,
		ETag:        event.Etag,
		Status:      event.Status,
	}
}

func formatEventDateTime(dt *calendar.EventDateTime) (string, string, bool) {
	if dt == nil {
		return "", "", false
	}
	if dt.DateTime != "" {
		return dt.DateTime, dt.TimeZone, false
	}
	if dt.Date != "" {
		return dt.Date, dt.TimeZone, true
	}
	return "", dt.TimeZone, false
}
