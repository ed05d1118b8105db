// Package dedup finds recurring series that occupy the same weekly slot and
// picks which one to keep.
package dedup

import (
	"sort"
	"strings"

	"calplan/internal/keys"
	"calplan/internal/models"
	"calplan/internal/recur"
)

// Policy selects which series of a duplicate group survives.
type Policy struct {
	// KeepNewest keeps the most recently created series instead of the oldest.
	KeepNewest bool
	// PreferDeleteNonstandard deletes every series without a structured location
	// when the group mixes both kinds.
	PreferDeleteNonstandard bool
	// DeleteStandardized deletes every series with a structured location when the
	// group mixes both kinds. PreferDeleteNonstandard takes priority.
	DeleteStandardized bool
}

// Group is a set of distinct series sharing subject, weekday and times.
type Group struct {
	Subject   string
	Weekday   string
	StartTime string
	EndTime   string
	// SeriesIDs is ordered oldest first.
	SeriesIDs []string
	Keep      string
	Delete    []string
}

type slot struct {
	subject, weekday, start, end string
}

// Groups returns the duplicate groups found in remote, sorted by slot. Only
// occurrences that belong to a series are considered.
func Groups(remote []models.RemoteEvent, p Policy) []Group {
	bySlot := map[slot]map[string][]models.RemoteEvent{}
	for _, r := range remote {
		if r.SeriesMasterID == "" {
			continue
		}
		k, ok := slotOf(r)
		if !ok {
			continue
		}
		if bySlot[k] == nil {
			bySlot[k] = map[string][]models.RemoteEvent{}
		}
		bySlot[k][r.SeriesMasterID] = append(bySlot[k][r.SeriesMasterID], r)
	}

	var groups []Group
	for k, series := range bySlot {
		if len(series) < 2 {
			continue
		}
		ordered := byAge(series)
		keep, del := Select(ordered, series, p)
		groups = append(groups, Group{
			Subject:   k.subject,
			Weekday:   k.weekday,
			StartTime: k.start,
			EndTime:   k.end,
			SeriesIDs: ordered,
			Keep:      keep,
			Delete:    del,
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Weekday != b.Weekday {
			return weekdayRank(a.Weekday) < weekdayRank(b.Weekday)
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.EndTime < b.EndTime
	})
	return groups
}

// Select applies the policy to series ids ordered oldest first and returns the
// id to keep and the ids to delete, in age order.
func Select(ordered []string, members map[string][]models.RemoteEvent, p Policy) (string, []string) {
	oldest, newest := ordered[0], ordered[len(ordered)-1]
	base := oldest
	if p.KeepNewest {
		base = newest
	}

	var std, non []string
	for _, sid := range ordered {
		if Standardized(members[sid]) {
			std = append(std, sid)
		} else {
			non = append(non, sid)
		}
	}
	mixed := len(std) > 0 && len(non) > 0

	switch {
	case p.PreferDeleteNonstandard && mixed:
		// base may itself be non-standardised; it is still kept.
		return base, without(non, base)
	case p.DeleteStandardized && mixed:
		keep := non[0]
		if p.KeepNewest {
			keep = non[len(non)-1]
		}
		return keep, std
	default:
		return base, without(ordered, base)
	}
}

// Standardized reports whether any occurrence carries a structured address or a
// display name with a parenthesised part.
func Standardized(occ []models.RemoteEvent) bool {
	for _, o := range occ {
		if !o.Location.Address.IsZero() {
			return true
		}
		name := o.Location.DisplayName
		if open := strings.Index(name, "("); open >= 0 && strings.Contains(name[open:], ")") {
			return true
		}
	}
	return false
}

// byAge orders series ids by their earliest creation time. Series without a
// creation time sort last; ties fall back to the id.
func byAge(series map[string][]models.RemoteEvent) []string {
	created := make(map[string]string, len(series))
	ids := make([]string, 0, len(series))
	for sid, occ := range series {
		ids = append(ids, sid)
		for _, o := range occ {
			if o.Created == "" {
				continue
			}
			if c, ok := created[sid]; !ok || o.Created < c {
				created[sid] = o.Created
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, iok := created[ids[i]]
		cj, jok := created[ids[j]]
		if iok != jok {
			return iok
		}
		if ci != cj {
			return ci < cj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func slotOf(r models.RemoteEvent) (slot, bool) {
	start := keys.Minute(r.Start)
	end := keys.Minute(r.End)
	if start == "" {
		return slot{}, false
	}
	d, err := recur.ParseDate(start)
	if err != nil {
		return slot{}, false
	}
	k := slot{
		subject: keys.SubjectKey(r.Subject),
		weekday: recur.WeekdayCode(d.Weekday()),
		start:   start[len(start)-5:],
	}
	if end != "" {
		k.end = end[len(end)-5:]
	}
	return k, true
}

func weekdayRank(code string) int {
	for i, c := range []string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"} {
		if c == code {
			return i
		}
	}
	return 7
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
