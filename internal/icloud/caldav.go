package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"calplan/internal/apperr"
	"calplan/internal/cache"
	"calplan/internal/keys"
	"calplan/internal/models"
	"calplan/internal/recur"
	"calplan/internal/remote"
)

const (
	// DefaultEndpoint is the iCloud CalDAV root.
	DefaultEndpoint = "https://caldav.icloud.com/"

	wallClockLayout = "2006-01-02T15:04:05"
	stampLayout     = "20060102T150405Z"
	occurrenceSep   = "#"
	propAppleLoc    = "X-APPLE-STRUCTURED-LOCATION"
)

// statusError is returned by the transport for responses the adapter treats
// specially: authentication failures and deletes of missing resources.
type statusError struct {
	Code   int
	Method string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Method, e.Code, http.StatusText(e.Code))
}

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "calplan/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
		req.Method == http.MethodDelete && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone):
		resp.Body.Close()
		return nil, &statusError{Code: resp.StatusCode, Method: req.Method}
	}
	return resp, nil
}

// CalDAVClient is a remote.Calendar backed by a CalDAV server such as iCloud.
type CalDAVClient struct {
	caldavClient    *caldav.Client
	logger          *slog.Logger
	loc             *time.Location
	names           *cache.Names
	defaultCalendar string

	homeMu  sync.Mutex
	homeSet string
}

var _ remote.Calendar = (*CalDAVClient)(nil)

// NewClient creates a CalDAV client. defaultCalendar is used when an operation
// names no calendar.
func NewClient(logger *slog.Logger, endpoint, username, password, defaultCalendar string, loc *time.Location, names *cache.Names) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if username == "" || password == "" {
		return nil, apperr.Configf("CalDAV username and app-specific password are required")
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	return newClient(logger, &http.Client{Transport: transport}, endpoint, defaultCalendar, loc, names)
}

func newClient(logger *slog.Logger, httpClient *http.Client, endpoint, defaultCalendar string, loc *time.Location, names *cache.Names) (*CalDAVClient, error) {
	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if names == nil {
		names = cache.NewNames(cache.DefaultTTL)
	}
	return &CalDAVClient{
		caldavClient:    caldavClient,
		logger:          logger,
		loc:             loc,
		names:           names,
		defaultCalendar: defaultCalendar,
	}, nil
}

// ListOccurrences queries VEVENTs overlapping the window and expands series
// locally. Series instances get ids of the form <object path>#<UTC start>.
func (c *CalDAVClient) ListOccurrences(ctx context.Context, calendarName, startISO, endISO string) ([]models.RemoteEvent, error) {
	calPath, err := c.resolve(ctx, calendarName)
	if err != nil {
		if apperr.IsConfig(err) {
			c.logger.Warn("Calendar not found, treating it as empty", "calendar", calendarName)
			return nil, nil
		}
		return nil, err
	}
	from, err := time.ParseInLocation(models.MinuteLayout, keys.Minute(startISO), c.loc)
	if err != nil {
		return nil, apperr.Configf("invalid window start %q", startISO)
	}
	to, err := time.ParseInLocation(models.MinuteLayout, keys.Minute(endISO), c.loc)
	if err != nil {
		return nil, apperr.Configf("invalid window end %q", endISO)
	}
	to = to.Add(time.Minute - time.Second)

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps:    []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: from.UTC(), End: to.UTC()}},
		},
	}
	c.logger.Debug("Querying calendar", "path", calPath, "from", from, "to", to)
	objects, err := c.caldavClient.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, classify("query calendar", err)
	}

	var out []models.RemoteEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		occ, err := c.occurrences(obj, from, to)
		if err != nil {
			c.logger.Warn("Skipping unreadable calendar object", "path", obj.Path, "error", err)
			continue
		}
		out = append(out, occ...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	c.logger.Info("Successfully fetched events from CalDAV", "count", len(out), "path", calPath)
	return out, nil
}

// occurrences expands one calendar object. Overrides (RECURRENCE-ID) replace
// the instance they override.
func (c *CalDAVClient) occurrences(obj caldav.CalendarObject, from, to time.Time) ([]models.RemoteEvent, error) {
	var master *ical.Event
	var out []models.RemoteEvent
	overridden := map[string]bool{}

	for _, ev := range obj.Data.Events() {
		ev := ev
		rid := ev.Props.Get(ical.PropRecurrenceID)
		if rid == nil {
			master = &ev
			continue
		}
		at, err := rid.DateTime(c.loc)
		if err != nil {
			continue
		}
		stamp := at.UTC().Format(stampLayout)
		overridden[stamp] = true
		start, end, err := c.span(&ev)
		if err != nil || start.Before(from) || start.After(to) {
			continue
		}
		out = append(out, c.toRemote(&ev, obj.Path+occurrenceSep+stamp, obj.Path, start, end))
	}
	if master == nil {
		return out, nil
	}

	start, end, err := c.span(master)
	if err != nil {
		return nil, err
	}
	set, err := master.RecurrenceSet(c.loc)
	if err != nil {
		return nil, err
	}
	if set == nil {
		if !start.Before(from) && !start.After(to) {
			out = append(out, c.toRemote(master, obj.Path, "", start, end))
		}
		return out, nil
	}

	dur := end.Sub(start)
	for _, at := range set.Between(from, to, true) {
		stamp := at.UTC().Format(stampLayout)
		if overridden[stamp] {
			continue
		}
		out = append(out, c.toRemote(master, obj.Path+occurrenceSep+stamp, obj.Path, at, at.Add(dur)))
	}
	return out, nil
}

func (c *CalDAVClient) span(ev *ical.Event) (time.Time, time.Time, error) {
	start, err := ev.DateTimeStart(c.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad DTSTART: %w", err)
	}
	end, err := ev.DateTimeEnd(c.loc)
	if err != nil || end.IsZero() {
		end = start
	}
	return start, end, nil
}

func (c *CalDAVClient) toRemote(ev *ical.Event, id, master string, start, end time.Time) models.RemoteEvent {
	r := models.RemoteEvent{
		ID:             id,
		SeriesMasterID: master,
		Start:          start.In(c.loc).Format(wallClockLayout),
		End:            end.In(c.loc).Format(wallClockLayout),
	}
	r.Subject, _ = ev.Props.Text(ical.PropSummary)
	r.Location.DisplayName, _ = ev.Props.Text(ical.PropLocation)
	if created, err := ev.Props.DateTime(ical.PropCreated, time.UTC); err == nil && !created.IsZero() {
		r.Created = created.UTC().Format(time.RFC3339)
	}
	if p := ev.Props.Get(propAppleLoc); p != nil {
		if addr := p.Params.Get("X-ADDRESS"); addr != "" {
			r.Location.Address = &models.Address{Street: addr}
		}
	}
	return r
}

// CreateOneOff stores a single VEVENT.
func (c *CalDAVClient) CreateOneOff(ctx context.Context, calendarName, subject, startISO, endISO string, attrs remote.Attrs) (string, error) {
	calPath, err := c.resolve(ctx, calendarName)
	if err != nil {
		return "", err
	}
	loc := c.zone(attrs.TZ)
	start, err := time.ParseInLocation(models.MinuteLayout, keys.Minute(startISO), loc)
	if err != nil {
		return "", fmt.Errorf("invalid start %q: %w", startISO, err)
	}
	end, err := time.ParseInLocation(models.MinuteLayout, keys.Minute(endISO), loc)
	if err != nil {
		return "", fmt.Errorf("invalid end %q: %w", endISO, err)
	}

	ve := c.toICal(subject, start, end, attrs)
	return c.put(ctx, calPath, ve)
}

// CreateSeries stores a recurring VEVENT with its RRULE and EXDATEs.
func (c *CalDAVClient) CreateSeries(ctx context.Context, calendarName string, series remote.Series, attrs remote.Attrs) (string, error) {
	calPath, err := c.resolve(ctx, calendarName)
	if err != nil {
		return "", err
	}
	loc := c.zone(attrs.TZ)
	plan := series.Event()
	first, err := recur.FirstStart(plan, loc)
	if err != nil {
		return "", err
	}
	rule, err := recur.RRule(plan, loc)
	if err != nil {
		return "", err
	}

	ve := c.toICal(series.Subject, first.Start, first.End, attrs)
	rrule := ical.NewProp(ical.PropRecurrenceRule)
	rrule.Value = rule
	ve.Props.Set(rrule)
	for _, ex := range series.ExDates {
		d, err := recur.ParseDate(ex)
		if err != nil {
			continue
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), first.Start.Hour(), first.Start.Minute(), 0, 0, loc)
		addExDate(ve, at)
	}
	return c.put(ctx, calPath, ve)
}

// DeleteByID removes a whole object (single event or series) or, for an
// instance id, adds an EXDATE to its series.
func (c *CalDAVClient) DeleteByID(ctx context.Context, id string) (bool, error) {
	objPath, stamp, isInstance := strings.Cut(id, occurrenceSep)
	if !isInstance {
		if err := c.caldavClient.RemoveAll(ctx, objPath); err != nil {
			if isMissing(err) {
				return false, nil
			}
			return false, classify("delete event", err)
		}
		c.logger.Debug("Deleted calendar object", "path", objPath)
		return true, nil
	}

	at, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return false, nil
	}
	obj, err := c.caldavClient.GetCalendarObject(ctx, objPath)
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, classify("get event", err)
	}

	var master *ical.Component
	for _, child := range obj.Data.Children {
		if child.Name == ical.CompEvent && child.Props.Get(ical.PropRecurrenceID) == nil {
			master = child
			break
		}
	}
	if master == nil || master.Props.Get(ical.PropRecurrenceRule) == nil {
		return false, nil
	}
	addExDate(&ical.Event{Component: master}, at)
	if _, err := c.caldavClient.PutCalendarObject(ctx, objPath, obj.Data); err != nil {
		return false, classify("update event", err)
	}
	c.logger.Debug("Excluded series instance", "path", objPath, "at", at)
	return true, nil
}

func (c *CalDAVClient) put(ctx context.Context, calPath string, ve *ical.Event) (string, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calplan//EN")
	cal.Children = append(cal.Children, ve.Component)

	uid, _ := ve.Props.Text(ical.PropUID)
	// The event path must be relative to the endpoint for the webdav client.
	eventPath := path.Join(calPath, uid+".ics")
	if _, err := c.caldavClient.PutCalendarObject(ctx, eventPath, cal); err != nil {
		return "", classify("create event", err)
	}
	summary, _ := ve.Props.Text(ical.PropSummary)
	c.logger.Debug("Stored event", "summary", summary, "path", eventPath)
	return eventPath, nil
}

// toICal builds a VEVENT with a fresh UID.
func (c *CalDAVClient) toICal(subject string, start, end time.Time, attrs remote.Attrs) *ical.Event {
	ve := ical.NewEvent()
	now := time.Now().UTC()
	ve.Props.SetText(ical.PropUID, GenerateUID())
	ve.Props.SetText(ical.PropSummary, subject)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now)
	ve.Props.SetDateTime(ical.PropCreated, now)
	ve.Props.SetDateTime(ical.PropDateTimeStart, start)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, end)

	if attrs.BodyHTML != "" {
		ve.Props.SetText(ical.PropDescription, attrs.BodyHTML)
	}
	if attrs.Location != "" {
		ve.Props.SetText(ical.PropLocation, attrs.Location)
	}
	if attrs.ReminderMinutes != nil && !attrs.NoReminder {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropDescription, subject)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.Value = fmt.Sprintf("-PT%dM", *attrs.ReminderMinutes)
		alarm.Props.Set(trigger)
		ve.Children = append(ve.Children, alarm)
	}
	return ve
}

func addExDate(ev *ical.Event, at time.Time) {
	p := ical.NewProp(ical.PropExceptionDates)
	p.Value = at.UTC().Format(stampLayout)
	ev.Props.Add(p)
}

// resolve maps a calendar name to its collection path through the name cache.
// An unknown name is a *apperr.ConfigError.
func (c *CalDAVClient) resolve(ctx context.Context, name string) (string, error) {
	if name == "" || name == remote.PrimaryCalendar {
		name = c.defaultCalendar
	}
	if name == "" {
		return "", apperr.Configf("no calendar given and no default CalDAV calendar configured")
	}
	return c.names.Resolve(ctx, name, c.findCalendar)
}

// findCalendar discovers the user's calendars and returns the path for the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	homeSet, err := c.calendarHomeSet(ctx)
	if err != nil {
		return "", err
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", classify("find calendars", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			c.logger.Info("Successfully found calendar", "name", name, "path", cal.Path)
			return cal.Path, nil
		}
	}
	return "", apperr.Configf("no calendar found with name '%s'", name)
}

func (c *CalDAVClient) calendarHomeSet(ctx context.Context) (string, error) {
	c.homeMu.Lock()
	defer c.homeMu.Unlock()
	if c.homeSet != "" {
		return c.homeSet, nil
	}

	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", classify("find principal", err)
	}
	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", classify("find calendar home set", err)
	}
	c.homeSet = homeSetPath
	return homeSetPath, nil
}

func (c *CalDAVClient) zone(tz string) *time.Location {
	if tz == "" {
		return c.loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		c.logger.Warn("Unknown time zone, using primary", "tz", tz, "error", err)
		return c.loc
	}
	return loc
}

// classify wraps authentication and transport failures as RemoteUnavailableError.
func classify(op string, err error) error {
	var serr *statusError
	if errors.As(err, &serr) && (serr.Code == http.StatusUnauthorized || serr.Code == http.StatusForbidden) {
		return &apperr.RemoteUnavailableError{Op: op, Err: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return &apperr.RemoteUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isMissing(err error) bool {
	var serr *statusError
	return errors.As(err, &serr) && (serr.Code == http.StatusNotFound || serr.Code == http.StatusGone)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
