// Package diff compares a plan against the occurrences found on the remote
// calendar and decides what to create and delete. It performs no I/O.
package diff

import (
	"fmt"
	"sort"
	"time"

	"calplan/internal/keys"
	"calplan/internal/models"
	"calplan/internal/recur"
)

// Mode selects how plan entries are matched against remote occurrences.
type Mode string

const (
	// ModeSubjectTime matches on subject plus minute-precision start and end.
	ModeSubjectTime Mode = "subject-time"
	// ModeSubject matches on subject alone.
	ModeSubject Mode = "subject"
)

// ParseMode validates a match mode; the empty string selects ModeSubjectTime.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSubjectTime:
		return ModeSubjectTime, nil
	case ModeSubject:
		return ModeSubject, nil
	}
	return "", fmt.Errorf("unknown match mode %q (want %s or %s)", s, ModeSubjectTime, ModeSubject)
}

// Options controls which decision sets Compute fills in.
type Options struct {
	Mode                  Mode
	DeleteMissing         bool
	DeleteUnplannedSeries bool
}

// PlanIndex is the plan side of a comparison.
type PlanIndex struct {
	Keys     map[string]struct{}
	Subjects map[string]struct{}
	// Series holds the first recurring event per subject key; SeriesOrder keeps plan order.
	Series      map[string]models.Event
	SeriesOrder []string
	OneOffs     []models.Event
	// Delegated holds subject keys of series only the remote calendar expands.
	Delegated map[string]struct{}
	// Warnings lists recurring events that expanded to nothing.
	Warnings []error
}

// BuildPlanIndex expands the plan over the inclusive day window [from, to].
// Events without a subject are ignored.
func BuildPlanIndex(events []models.Event, from, to time.Time) *PlanIndex {
	idx := &PlanIndex{
		Keys:      map[string]struct{}{},
		Subjects:  map[string]struct{}{},
		Series:    map[string]models.Event{},
		Delegated: map[string]struct{}{},
	}
	for _, ev := range events {
		subj := keys.SubjectKey(ev.Subject)
		if subj == "" {
			continue
		}
		idx.Subjects[subj] = struct{}{}

		switch {
		case ev.IsOneOff():
			idx.Keys[keys.TimeKey(ev.Subject, ev.Start, ev.End)] = struct{}{}
			idx.OneOffs = append(idx.OneOffs, ev)
		case ev.IsSeries():
			if _, seen := idx.Series[subj]; !seen {
				idx.Series[subj] = ev
				idx.SeriesOrder = append(idx.SeriesOrder, subj)
			}
			if recur.Delegated(ev) {
				idx.Delegated[subj] = struct{}{}
				continue
			}
			if err := recur.Check(ev); err != nil {
				idx.Warnings = append(idx.Warnings, err)
				continue
			}
			for _, occ := range recur.Expand(ev, from, to) {
				idx.Keys[keys.OccurrenceKey(ev.Subject, occ)] = struct{}{}
			}
		case ev.IsRecurring():
			if err := recur.Check(ev); err != nil {
				idx.Warnings = append(idx.Warnings, err)
			}
		}
	}
	return idx
}

// RemoteIndex is the remote side of a comparison.
type RemoteIndex struct {
	Keys          map[string]struct{}
	ByKey         map[string][]models.RemoteEvent
	Subjects      map[string]struct{}
	SeriesKeys    map[string][]string
	SeriesSubject map[string]string
	Events        []models.RemoteEvent
}

// BuildRemoteIndex indexes remote occurrences by key, subject and series.
func BuildRemoteIndex(remote []models.RemoteEvent) *RemoteIndex {
	idx := &RemoteIndex{
		Keys:          map[string]struct{}{},
		ByKey:         map[string][]models.RemoteEvent{},
		Subjects:      map[string]struct{}{},
		SeriesKeys:    map[string][]string{},
		SeriesSubject: map[string]string{},
		Events:        remote,
	}
	for _, r := range remote {
		k := keys.TimeKey(r.Subject, r.Start, r.End)
		idx.Keys[k] = struct{}{}
		idx.ByKey[k] = append(idx.ByKey[k], r)
		idx.Subjects[keys.SubjectKey(r.Subject)] = struct{}{}
		if r.SeriesMasterID != "" {
			idx.SeriesKeys[r.SeriesMasterID] = append(idx.SeriesKeys[r.SeriesMasterID], k)
			if _, ok := idx.SeriesSubject[r.SeriesMasterID]; !ok && keys.SubjectKey(r.Subject) != "" {
				idx.SeriesSubject[r.SeriesMasterID] = r.Subject
			}
		}
	}
	return idx
}

// Decisions are the mutations needed to make the remote calendar match the plan.
type Decisions struct {
	CreateSeries      []models.Event
	CreateOneOffs     []models.Event
	DeleteOccurrences []models.RemoteEvent
	DeleteSeries      []string
}

// Empty reports whether no mutation is needed.
func (d Decisions) Empty() bool {
	return len(d.CreateSeries) == 0 && len(d.CreateOneOffs) == 0 &&
		len(d.DeleteOccurrences) == 0 && len(d.DeleteSeries) == 0
}

// Compute derives the decision sets. Results are deterministic: creations keep
// plan order, deletions are ordered by start time then id.
func Compute(plan *PlanIndex, remote *RemoteIndex, opts Options) Decisions {
	var d Decisions
	mode := opts.Mode
	if mode == "" {
		mode = ModeSubjectTime
	}

	for _, subj := range plan.SeriesOrder {
		if _, ok := remote.Subjects[subj]; !ok {
			d.CreateSeries = append(d.CreateSeries, plan.Series[subj])
		}
	}

	for _, ev := range plan.OneOffs {
		var present bool
		if mode == ModeSubjectTime {
			_, present = remote.Keys[keys.TimeKey(ev.Subject, ev.Start, ev.End)]
		} else {
			_, present = remote.Subjects[keys.SubjectKey(ev.Subject)]
		}
		if !present {
			d.CreateOneOffs = append(d.CreateOneOffs, ev)
		}
	}

	if opts.DeleteMissing {
		for _, r := range remote.Events {
			var planned bool
			if mode == ModeSubjectTime {
				_, planned = plan.Keys[keys.TimeKey(r.Subject, r.Start, r.End)]
				if !planned {
					// Delegated series have no local keys to match against.
					_, planned = plan.Delegated[keys.SubjectKey(r.Subject)]
				}
			} else {
				_, planned = plan.Subjects[keys.SubjectKey(r.Subject)]
			}
			if !planned && r.ID != "" {
				d.DeleteOccurrences = append(d.DeleteOccurrences, r)
			}
		}
		sort.SliceStable(d.DeleteOccurrences, func(i, j int) bool {
			a, b := d.DeleteOccurrences[i], d.DeleteOccurrences[j]
			if ka, kb := keys.Minute(a.Start), keys.Minute(b.Start); ka != kb {
				return ka < kb
			}
			return a.ID < b.ID
		})
	}

	if opts.DeleteUnplannedSeries {
		for sid, members := range remote.SeriesKeys {
			if _, planned := plan.Subjects[keys.SubjectKey(remote.SeriesSubject[sid])]; planned {
				continue
			}
			if intersects(members, plan.Keys) {
				continue
			}
			d.DeleteSeries = append(d.DeleteSeries, sid)
		}
		sort.Strings(d.DeleteSeries)
	}
	return d
}

func intersects(members []string, set map[string]struct{}) bool {
	for _, k := range members {
		if _, ok := set[k]; ok {
			return true
		}
	}
	return false
}
