package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/pkg/logger"
	"github.com/okian/feedbackd/pkg/metrics"
)

// Calendar reads meetings from an iCalendar feed. The numeric suffix of an
// event UID is the meeting id.
type Calendar struct {
	url     string
	token   string
	loc     *time.Location
	timeout time.Duration
	http    *http.Client
	log     logger.Logger
}

// CalendarOption configures a Calendar.
type CalendarOption func(*Calendar)

// WithCalendarLocation sets the zone event times are rendered in.
func WithCalendarLocation(loc *time.Location) CalendarOption {
	return func(c *Calendar) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithCalendarToken sets the bearer token for the feed URL.
func WithCalendarToken(token string) CalendarOption {
	return func(c *Calendar) { c.token = token }
}

// WithCalendarTimeout bounds the feed request.
func WithCalendarTimeout(d time.Duration) CalendarOption {
	return func(c *Calendar) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCalendarHTTPClient replaces the underlying http.Client.
func WithCalendarHTTPClient(hc *http.Client) CalendarOption {
	return func(c *Calendar) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCalendarLogger sets the logger.
func WithCalendarLogger(l logger.Logger) CalendarOption {
	return func(c *Calendar) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCalendar creates an iCal meeting source.
func NewCalendar(feedURL string, opts ...CalendarOption) *Calendar {
	c := &Calendar{
		url:     feedURL,
		loc:     time.Local,
		timeout: defaultTimeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Get().Named("calendar")
	}
	return c
}

// Meetings downloads and parses the feed.
func (c *Calendar) Meetings(ctx context.Context) ([]model.RawMeeting, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordPortalRequest("ical", "error", time.Since(start))
		return nil, fmt.Errorf("%w: fetch calendar: %w", ErrUnreachable, err)
	}
	body, err := readResponseBody(resp)
	if err != nil {
		metrics.RecordPortalRequest("ical", "error", time.Since(start))
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordPortalRequest("ical", "status", time.Since(start))
		return nil, fmt.Errorf("%w: GET calendar: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	meetings, err := ParseCalendar(ctx, string(body), c.loc, c.log)
	if err != nil {
		metrics.RecordPortalRequest("ical", "decode", time.Since(start))
		return nil, err
	}
	metrics.RecordPortalRequest("ical", "ok", time.Since(start))
	return meetings, nil
}

// ParseCalendar converts VEVENTs to feed meetings rendered in loc. Events
// without a numeric UID suffix or a start, and cancelled events, are skipped.
// All-day events carry no time-of-day.
func ParseCalendar(ctx context.Context, body string, loc *time.Location, log logger.Logger) ([]model.RawMeeting, error) {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = logger.Get().Named("calendar")
	}
	if !strings.HasPrefix(strings.TrimSpace(body), "BEGIN:VCALENDAR") {
		return nil, ErrNotCalendar
	}

	decoder := ical.NewDecoder(strings.NewReader(body))
	seen := make(map[model.MeetingID]struct{})
	var out []model.RawMeeting
	for {
		cal, err := decoder.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: calendar: %w", ErrDecode, err)
		}
		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			m, ok := eventMeeting(comp, loc)
			if !ok {
				log.Debug(ctx, "skipping calendar event", logger.String("uid", propValue(comp, ical.PropUID)))
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

func eventMeeting(comp *ical.Component, loc *time.Location) (model.RawMeeting, bool) {
	if strings.EqualFold(propValue(comp, ical.PropStatus), "CANCELLED") {
		return model.RawMeeting{}, false
	}
	id, ok := uidMeetingID(propValue(comp, ical.PropUID))
	if !ok {
		return model.RawMeeting{}, false
	}
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return model.RawMeeting{}, false
	}
	allDay := len(strings.TrimSpace(startProp.Value)) == len("20060102")
	var (
		start time.Time
		err   error
	)
	if allDay {
		start, err = time.ParseInLocation("20060102", strings.TrimSpace(startProp.Value), loc)
	} else {
		start, err = startProp.DateTime(loc)
	}
	if err != nil {
		return model.RawMeeting{}, false
	}
	start = start.In(loc)
	m := model.RawMeeting{
		ID:    id,
		Title: propValue(comp, ical.PropSummary),
		Date:  start.Format("2006-01-02"),
	}
	if allDay {
		return m, true
	}
	m.StartTime = start.Format("15:04:05")
	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		if end, err := endProp.DateTime(loc); err == nil {
			end = end.In(loc)
			if end.After(start) && end.Format("2006-01-02") == m.Date {
				m.EndTime = end.Format("15:04:05")
			}
		}
	}
	return m, true
}

func propValue(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

// uidMeetingID extracts the trailing digits of a UID, ignoring an @domain part.
func uidMeetingID(uid string) (model.MeetingID, bool) {
	if i := strings.IndexByte(uid, '@'); i >= 0 {
		uid = uid[:i]
	}
	j := len(uid)
	for j > 0 && uid[j-1] >= '0' && uid[j-1] <= '9' {
		j--
	}
	if j == len(uid) {
		return 0, false
	}
	n, err := strconv.ParseInt(uid[j:], 10, 64)
	if err != nil {
		return 0, false
	}
	return model.MeetingID(n), true
}
