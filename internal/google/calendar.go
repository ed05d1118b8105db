package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calplan/internal/apperr"
	"calplan/internal/cache"
	"calplan/internal/keys"
	"calplan/internal/models"
	"calplan/internal/recur"
	"calplan/internal/remote"
)

const (
	credentialsFile = "credentials.json"
	wallClockLayout = "2006-01-02T15:04:05"
	exdateLayout    = "20060102T150405"
	listPageSize    = 250
	listAttempts    = 3
)

// CalendarClient is a remote.Calendar backed by the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
	loc     *time.Location
	names   *cache.Names

	mu sync.Mutex
	// owners remembers which calendar an event or series id was seen in, so
	// DeleteByID can address it.
	owners map[string]string
}

var _ remote.Calendar = (*CalendarClient)(nil)

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// It supports multiple accounts by looking for token files like token-user1.json, token-user2.json, etc.
// The accountName is used to find the correct token file.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, accountName string, loc *time.Location, names *cache.Names) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, apperr.Configf("failed to get OAuth config: %v", err)
	}

	tokenFile := fmt.Sprintf("token-%s.json", accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, &apperr.RemoteUnavailableError{
			Op:  "authenticate",
			Err: fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err),
		}
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return newClient(service, logger, loc, names), nil
}

func newClient(service *calendar.Service, logger *slog.Logger, loc *time.Location, names *cache.Names) *CalendarClient {
	if loc == nil {
		loc = time.UTC
	}
	if names == nil {
		names = cache.NewNames(cache.DefaultTTL)
	}
	return &CalendarClient{
		service: service,
		logger:  logger,
		loc:     loc,
		names:   names,
		owners:  map[string]string{},
	}
}

// ListOccurrences returns single events and expanded series instances starting
// in the window. Times are reported as wall-clock values in the client's zone.
func (c *CalendarClient) ListOccurrences(ctx context.Context, calendarName, startISO, endISO string) ([]models.RemoteEvent, error) {
	calID, found, err := c.resolve(ctx, calendarName, false)
	if err != nil {
		return nil, err
	}
	if !found {
		c.logger.Warn("Calendar not found, treating it as empty", "calendar", calendarName)
		return nil, nil
	}
	tmin, err := c.instant(startISO, c.loc)
	if err != nil {
		return nil, apperr.Configf("invalid window start %q", startISO)
	}
	tmax, err := c.instant(endISO, c.loc)
	if err != nil {
		return nil, apperr.Configf("invalid window end %q", endISO)
	}
	tmax = tmax.Add(time.Minute - time.Second)

	c.logger.Debug("Fetching events", "calendarID", calID, "from", tmin, "to", tmax)
	var items []*calendar.Event
	err = retry.Do(
		func() error {
			items = items[:0]
			return c.service.Events.List(calID).
				ShowDeleted(false).
				SingleEvents(true).
				TimeMin(tmin.Format(time.RFC3339)).
				TimeMax(tmax.Format(time.RFC3339)).
				OrderBy("startTime").
				MaxResults(listPageSize).
				Pages(ctx, func(page *calendar.Events) error {
					items = append(items, page.Items...)
					return nil
				})
		},
		retry.Context(ctx),
		retry.Attempts(listAttempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying event listing", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, classify("list events", err)
	}

	out := make([]models.RemoteEvent, 0, len(items))
	c.mu.Lock()
	for _, item := range items {
		ev, ok := c.toRemote(item)
		if !ok {
			continue
		}
		c.owners[ev.ID] = calID
		if ev.SeriesMasterID != "" {
			c.owners[ev.SeriesMasterID] = calID
		}
		out = append(out, ev)
	}
	c.mu.Unlock()

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(out), "calendarID", calID)
	return out, nil
}

// CreateOneOff inserts a single event.
func (c *CalendarClient) CreateOneOff(ctx context.Context, calendarName, subject, startISO, endISO string, attrs remote.Attrs) (string, error) {
	calID, _, err := c.resolve(ctx, calendarName, true)
	if err != nil {
		return "", err
	}
	tz := c.zone(attrs.TZ)
	start, end := keys.Minute(startISO), keys.Minute(endISO)
	if start == "" || end == "" {
		return "", fmt.Errorf("invalid start %q or end %q", startISO, endISO)
	}

	ev := c.baseEvent(subject, attrs)
	ev.Start = &calendar.EventDateTime{DateTime: start + ":00", TimeZone: tz.String()}
	ev.End = &calendar.EventDateTime{DateTime: end + ":00", TimeZone: tz.String()}
	return c.insert(ctx, calID, ev)
}

// CreateSeries inserts a recurring event. The first instance is the first
// matching day on or after the series start date.
func (c *CalendarClient) CreateSeries(ctx context.Context, calendarName string, series remote.Series, attrs remote.Attrs) (string, error) {
	calID, _, err := c.resolve(ctx, calendarName, true)
	if err != nil {
		return "", err
	}
	tz := c.zone(attrs.TZ)
	plan := series.Event()
	first, err := recur.FirstStart(plan, tz)
	if err != nil {
		return "", err
	}
	lines, err := recurrenceLines(plan, tz, first)
	if err != nil {
		return "", err
	}

	ev := c.baseEvent(series.Subject, attrs)
	ev.Start = &calendar.EventDateTime{DateTime: first.Start.Format(wallClockLayout), TimeZone: tz.String()}
	ev.End = &calendar.EventDateTime{DateTime: first.End.Format(wallClockLayout), TimeZone: tz.String()}
	ev.Recurrence = lines
	return c.insert(ctx, calID, ev)
}

// DeleteByID deletes an event, an instance or a whole series. Ids not seen in
// an earlier listing are looked up in the primary calendar.
func (c *CalendarClient) DeleteByID(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	calID, ok := c.owners[id]
	c.mu.Unlock()
	if !ok {
		calID = remote.PrimaryCalendar
	}

	err := c.service.Events.Delete(calID, id).Context(ctx).Do()
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, classify("delete event", err)
	}
	c.logger.Debug("Deleted event", "id", id, "calendarID", calID)
	return true, nil
}

func (c *CalendarClient) insert(ctx context.Context, calID string, ev *calendar.Event) (string, error) {
	created, err := c.service.Events.Insert(calID, ev).Context(ctx).Do()
	if err != nil {
		return "", classify("create event", err)
	}
	c.mu.Lock()
	c.owners[created.Id] = calID
	c.mu.Unlock()
	c.logger.Debug("Created event", "id", created.Id, "summary", created.Summary, "calendarID", calID)
	return created.Id, nil
}

func (c *CalendarClient) baseEvent(subject string, attrs remote.Attrs) *calendar.Event {
	return &calendar.Event{
		Summary:     subject,
		Location:    attrs.Location,
		Description: attrs.BodyHTML,
		Reminders:   reminders(attrs),
	}
}

// resolve maps a calendar name to its id through the name cache. With ensure
// set, a missing calendar is created.
func (c *CalendarClient) resolve(ctx context.Context, name string, ensure bool) (string, bool, error) {
	if name == "" || name == remote.PrimaryCalendar {
		return remote.PrimaryCalendar, true, nil
	}
	if id, ok := c.names.Get(name); ok {
		return id, true, nil
	}

	id, err := c.findCalendar(ctx, name)
	if err != nil {
		return "", false, err
	}
	if id == "" && ensure {
		created, err := c.service.Calendars.Insert(&calendar.Calendar{Summary: name, TimeZone: c.loc.String()}).Context(ctx).Do()
		if err != nil {
			return "", false, classify("create calendar", err)
		}
		c.logger.Info("Created calendar", "name", name, "calendarID", created.Id)
		id = created.Id
	}
	if id == "" {
		return "", false, nil
	}
	c.names.Put(name, id)
	return id, true, nil
}

// findCalendar returns the id of the calendar whose summary matches name, or
// "" when none does.
func (c *CalendarClient) findCalendar(ctx context.Context, name string) (string, error) {
	var id string
	err := c.service.CalendarList.List().Pages(ctx, func(list *calendar.CalendarList) error {
		for _, item := range list.Items {
			if id == "" && (item.Summary == name || item.SummaryOverride == name) {
				id = item.Id
			}
		}
		return nil
	})
	if err != nil {
		return "", classify("list calendars", err)
	}
	return id, nil
}

// toRemote converts a listed event. All-day events keep their date only.
func (c *CalendarClient) toRemote(item *calendar.Event) (models.RemoteEvent, bool) {
	if item == nil || item.Start == nil || item.Status == "cancelled" {
		return models.RemoteEvent{}, false
	}
	ev := models.RemoteEvent{
		ID:             item.Id,
		SeriesMasterID: item.RecurringEventId,
		Subject:        item.Summary,
		Start:          c.wallClock(item.Start),
		End:            c.wallClock(item.End),
		Created:        item.Created,
		Location:       models.Location{DisplayName: item.Location},
	}
	return ev, ev.Start != ""
}

func (c *CalendarClient) wallClock(dt *calendar.EventDateTime) string {
	if dt == nil {
		return ""
	}
	if dt.DateTime == "" {
		return dt.Date
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return dt.DateTime
	}
	return t.In(c.loc).Format(wallClockLayout)
}

func (c *CalendarClient) instant(iso string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(models.MinuteLayout, keys.Minute(iso), loc)
}

// zone returns the event's own zone when it names a known location.
func (c *CalendarClient) zone(tz string) *time.Location {
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

// recurrenceLines renders the RRULE and one EXDATE per excluded date at the
// series' start time.
func recurrenceLines(ev models.Event, loc *time.Location, first models.Occurrence) ([]string, error) {
	rule, err := recur.RRule(ev, loc)
	if err != nil {
		return nil, err
	}
	lines := []string{"RRULE:" + rule}
	for _, ex := range ev.ExDates {
		d, err := recur.ParseDate(ex)
		if err != nil {
			continue
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), first.Start.Hour(), first.Start.Minute(), 0, 0, loc)
		lines = append(lines, fmt.Sprintf("EXDATE;TZID=%s:%s", loc.String(), at.Format(exdateLayout)))
	}
	return lines, nil
}

func reminders(attrs remote.Attrs) *calendar.EventReminders {
	switch {
	case attrs.NoReminder:
		return &calendar.EventReminders{UseDefault: false, ForceSendFields: []string{"UseDefault"}}
	case attrs.ReminderMinutes != nil:
		return &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
			Overrides: []*calendar.EventReminder{
				{Method: "popup", Minutes: int64(*attrs.ReminderMinutes), ForceSendFields: []string{"Minutes"}},
			},
		}
	}
	return nil
}

// classify wraps authentication and transport failures as
// RemoteUnavailableError and leaves other API errors as they are.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 401 || gerr.Code == 403 {
			return &apperr.RemoteUnavailableError{Op: op, Err: err}
		}
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	var rerr *oauth2.RetrieveError
	var uerr *url.Error
	if errors.As(err, &rerr) || errors.As(err, &uerr) {
		return &apperr.RemoteUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isRetryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 429 || gerr.Code >= 500
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return false
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}

// isMissing reports a 404, or a 410 for an event that was already deleted.
func isMissing(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && (gerr.Code == 404 || gerr.Code == 410)
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path readable only by the owner.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// GetTokenAccounts lists the account names that have a saved token.
func GetTokenAccounts() ([]string, error) {
	files, err := os.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
