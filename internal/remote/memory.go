package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"calplan/internal/keys"
	"calplan/internal/models"
	"calplan/internal/recur"
)

// Op names a Memory operation for failure injection.
type Op string

const (
	OpList         Op = "list"
	OpCreateOneOff Op = "create-one-off"
	OpCreateSeries Op = "create-series"
	OpDelete       Op = "delete"
)

const (
	anyTarget          = "*"
	dateTimeLayout     = "2006-01-02T15:04:05"
	occurrenceIDSep    = "/"
	occurrenceIDLayout = "20060102T1504"
)

type memEvent struct {
	id       string
	calendar string
	subject  string
	created  time.Time
	attrs    Attrs

	// one-off
	start, end time.Time

	// series
	series   *Series
	rule     *rrule.RRule
	duration time.Duration

	// deleted holds excluded instance starts in occurrenceIDLayout.
	deleted map[string]bool
}

// Memory is an in-process Calendar. Series are stored as rules and expanded
// on listing, the way a calendar server does.
type Memory struct {
	mu     sync.Mutex
	events []*memEvent
	clock  time.Time
	fail   map[Op]map[string]error
	calls  []string
}

// NewMemory returns an empty calendar whose creation timestamps start at a
// fixed instant and advance by one second per created item.
func NewMemory() *Memory {
	return &Memory{
		clock: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		fail:  map[Op]map[string]error{},
	}
}

// Fail makes op fail with err whenever its target matches. The target is the
// calendar for listing, the subject for creates and the id for deletes; an
// empty target matches everything.
func (m *Memory) Fail(op Op, target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target == "" {
		target = anyTarget
	}
	if m.fail[op] == nil {
		m.fail[op] = map[string]error{}
	}
	m.fail[op][target] = err
}

// Calls returns the mutation log, one "op target" line per successful call.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Len returns the number of stored one-offs and series.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *Memory) injected(op Op, target string) error {
	if err, ok := m.fail[op][target]; ok {
		return err
	}
	return m.fail[op][anyTarget]
}

func (m *Memory) ListOccurrences(_ context.Context, calendar, startISO, endISO string) ([]models.RemoteEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	calendar = CalendarName(calendar)
	if err := m.injected(OpList, calendar); err != nil {
		return nil, err
	}

	from, err := parseMinute(startISO)
	if err != nil {
		return nil, fmt.Errorf("invalid start %q: %w", startISO, err)
	}
	to, err := parseMinute(endISO)
	if err != nil {
		return nil, fmt.Errorf("invalid end %q: %w", endISO, err)
	}
	to = to.Add(time.Minute - time.Nanosecond)

	var out []models.RemoteEvent
	for _, ev := range m.events {
		if ev.calendar != calendar {
			continue
		}
		if ev.series == nil {
			if !ev.start.Before(from) && !ev.start.After(to) {
				out = append(out, ev.remote(ev.id, "", ev.start, ev.end))
			}
			continue
		}
		for _, start := range ev.rule.Between(from, to, true) {
			stamp := start.Format(occurrenceIDLayout)
			if ev.deleted[stamp] {
				continue
			}
			id := ev.id + occurrenceIDSep + stamp
			out = append(out, ev.remote(id, ev.id, start, start.Add(ev.duration)))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (m *Memory) CreateOneOff(_ context.Context, calendar, subject, startISO, endISO string, attrs Attrs) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpCreateOneOff, subject); err != nil {
		return "", err
	}
	start, err := parseMinute(startISO)
	if err != nil {
		return "", fmt.Errorf("invalid start %q: %w", startISO, err)
	}
	end, err := parseMinute(endISO)
	if err != nil {
		return "", fmt.Errorf("invalid end %q: %w", endISO, err)
	}

	ev := m.add(calendar, subject, attrs)
	ev.start, ev.end = start, end
	m.calls = append(m.calls, string(OpCreateOneOff)+" "+subject)
	return ev.id, nil
}

func (m *Memory) CreateSeries(_ context.Context, calendar string, series Series, attrs Attrs) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpCreateSeries, series.Subject); err != nil {
		return "", err
	}

	plan := series.Event()
	line, err := recur.RRule(plan, time.UTC)
	if err != nil {
		return "", err
	}
	first, err := recur.FirstStart(plan, time.UTC)
	if err != nil {
		return "", err
	}
	opt, err := rrule.StrToROption(line)
	if err != nil {
		return "", fmt.Errorf("invalid rule %q: %w", line, err)
	}
	opt.Dtstart = first.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return "", fmt.Errorf("invalid rule %q: %w", line, err)
	}

	ev := m.add(calendar, series.Subject, attrs)
	s := series
	ev.series = &s
	ev.rule = rule
	ev.duration = first.End.Sub(first.Start)
	ev.deleted = map[string]bool{}
	offset := first.Start.Sub(dayOf(first.Start))
	for _, ex := range series.ExDates {
		if d, err := recur.ParseDate(ex); err == nil {
			ev.deleted[d.Add(offset).Format(occurrenceIDLayout)] = true
		}
	}
	m.calls = append(m.calls, string(OpCreateSeries)+" "+series.Subject)
	return ev.id, nil
}

func (m *Memory) DeleteByID(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpDelete, id); err != nil {
		return false, err
	}

	master, stamp, isOccurrence := strings.Cut(id, occurrenceIDSep)
	for i, ev := range m.events {
		if ev.id != master {
			continue
		}
		if !isOccurrence {
			m.events = append(m.events[:i], m.events[i+1:]...)
			m.calls = append(m.calls, string(OpDelete)+" "+id)
			return true, nil
		}
		if ev.series == nil {
			return false, nil
		}
		if _, err := time.Parse(occurrenceIDLayout, stamp); err != nil || ev.deleted[stamp] {
			return false, nil
		}
		ev.deleted[stamp] = true
		m.calls = append(m.calls, string(OpDelete)+" "+id)
		return true, nil
	}
	return false, nil
}

func (m *Memory) add(calendar, subject string, attrs Attrs) *memEvent {
	m.clock = m.clock.Add(time.Second)
	ev := &memEvent{
		id:       uuid.NewString(),
		calendar: CalendarName(calendar),
		subject:  subject,
		created:  m.clock,
		attrs:    attrs,
	}
	m.events = append(m.events, ev)
	return ev
}

func (ev *memEvent) remote(id, master string, start, end time.Time) models.RemoteEvent {
	return models.RemoteEvent{
		ID:             id,
		SeriesMasterID: master,
		Subject:        ev.subject,
		Start:          start.Format(dateTimeLayout),
		End:            end.Format(dateTimeLayout),
		Created:        ev.created.Format(time.RFC3339),
		Location:       models.Location{DisplayName: ev.attrs.Location},
	}
}

// parseMinute reads any ISO date or date-time accepted by keys.Minute as UTC.
func parseMinute(s string) (time.Time, error) {
	m := keys.Minute(s)
	if m == "" {
		return time.Time{}, fmt.Errorf("not an ISO date-time")
	}
	return time.Parse(models.MinuteLayout, m)
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
