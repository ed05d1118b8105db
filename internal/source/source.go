// Package source loads schedule files that seed a new plan.
package source

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/spf13/afero"
	"github.com/teambition/rrule-go"
	"gopkg.in/yaml.v3"

	"calplan/internal/apperr"
	"calplan/internal/models"
	"calplan/internal/normalize"
)

// Source kinds accepted by Load.
const (
	KindAuto = ""
	KindYAML = "yaml"
	KindJSON = "json"
	KindICS  = "ics"
)

const (
	isoLayout   = "2006-01-02T15:04:05"
	clockLayout = "15:04"
)

// Loader reads schedule sources from a filesystem.
type Loader struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewLoader creates a Loader. A nil fs means the OS filesystem.
func NewLoader(fsys afero.Fs, logger *slog.Logger) *Loader {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{fs: fsys, logger: logger}
}

// ParseKind validates a --kind value.
func ParseKind(s string) (string, error) {
	switch k := strings.ToLower(strings.TrimSpace(s)); k {
	case KindAuto, "auto":
		return KindAuto, nil
	case KindYAML, "yml":
		return KindYAML, nil
	case KindJSON, KindICS:
		return k, nil
	}
	return "", apperr.Configf("unknown source kind %q (want yaml, json or ics)", s)
}

// Load reads one source and returns its events in canonical form. With
// KindAuto the kind is taken from the file extension.
func (l *Loader) Load(path, kind string) ([]models.Event, error) {
	if kind == KindAuto {
		kind = kindFromExt(path)
	}
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source %s: %w", path, err)
	}

	var raws []map[string]any
	switch kind {
	case KindICS:
		raws, err = l.fromICS(data)
	case KindYAML, KindJSON:
		raws, err = fromDocument(data)
	default:
		return nil, fmt.Errorf("cannot infer kind of %s; pass --kind", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse source %s: %w", path, err)
	}

	l.logger.Debug("Loaded schedule source", "path", path, "kind", kind, "count", len(raws))
	return normalize.Events(raws), nil
}

func kindFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ics", ".ical", ".ifb":
		return KindICS
	case ".json":
		return KindJSON
	case ".yaml", ".yml":
		return KindYAML
	}
	return ""
}

// fromDocument accepts a top-level list of events or a mapping with an
// "events" list. JSON is read as YAML.
func fromDocument(data []byte) ([]map[string]any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var items []any
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	case map[string]any:
		list, ok := v["events"].([]any)
		if !ok && v["events"] != nil {
			return nil, fmt.Errorf("'events' must be a list")
		}
		if !ok {
			return nil, fmt.Errorf("expected a list of events or an 'events' key")
		}
		items = list
	default:
		return nil, fmt.Errorf("expected a list of events, got %T", doc)
	}

	out := make([]map[string]any, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("event %d is not a mapping", i+1)
		}
		out = append(out, m)
	}
	return out, nil
}

func (l *Loader) fromICS(data []byte) ([]map[string]any, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for _, ve := range cal.Events() {
		// Overrides of a single instance are not part of the plan model.
		if ve.GetProperty("RECURRENCE-ID") != nil {
			continue
		}
		raw, err := vevent(ve)
		if err != nil {
			l.logger.Warn("Skipping calendar entry", "error", err)
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

func vevent(ve *ical.VEvent) (map[string]any, error) {
	raw := map[string]any{}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		raw["subject"] = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		raw["location"] = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		raw["body_html"] = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return nil, fmt.Errorf("event %v: bad DTSTART: %w", raw["subject"], err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		end = start
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) > 0 {
			raw["tz"] = tz[0]
		}
	}

	p := ve.GetProperty(ical.ComponentPropertyRrule)
	if p == nil {
		raw["start"] = start.Format(isoLayout)
		raw["end"] = end.Format(isoLayout)
		return raw, nil
	}

	opt, err := rrule.StrToROption(p.Value)
	if err != nil {
		return nil, fmt.Errorf("event %v: bad RRULE: %w", raw["subject"], err)
	}
	switch opt.Freq {
	case rrule.DAILY:
		raw["repeat"] = models.RepeatDaily
	case rrule.WEEKLY:
		raw["repeat"] = models.RepeatWeekly
	case rrule.MONTHLY:
		raw["repeat"] = models.RepeatMonthly
	default:
		return nil, fmt.Errorf("event %v: unsupported frequency %v", raw["subject"], opt.Freq)
	}

	days := make([]any, 0, len(opt.Byweekday))
	for _, wd := range opt.Byweekday {
		days = append(days, []string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}[wd.Day()])
	}
	if len(days) == 0 && opt.Freq == rrule.WEEKLY {
		days = append(days, strings.ToUpper(start.Weekday().String()[:2]))
	}
	if len(days) > 0 {
		raw["byday"] = days
	}
	if opt.Interval > 1 {
		raw["interval"] = opt.Interval
	}
	if opt.Count > 0 {
		raw["count"] = opt.Count
	}

	raw["start_time"] = start.Format(clockLayout)
	raw["end_time"] = end.Format(clockLayout)
	rng := map[string]any{"start_date": start.Format(time.DateOnly)}
	if !opt.Until.IsZero() {
		rng["until"] = opt.Until.In(start.Location()).Format(time.DateOnly)
	}
	raw["range"] = rng

	var exdates []any
	for _, ex := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(ex.Value, ",") {
			if d := exDate(part); d != "" {
				exdates = append(exdates, d)
			}
		}
	}
	if len(exdates) > 0 {
		raw["exdates"] = exdates
	}
	return raw, nil
}

// exDate reduces an iCalendar DATE or DATE-TIME value to YYYY-MM-DD.
func exDate(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return ""
	}
	d, err := time.Parse("20060102", v[:8])
	if err != nil {
		return ""
	}
	return d.Format(time.DateOnly)
}
