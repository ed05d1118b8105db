package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calplan/internal/keys"
	"calplan/internal/models"
	"calplan/internal/recur"
)

func swim() models.Event {
	return models.Event{
		Subject:   "Swim",
		Repeat:    "weekly",
		ByDay:     []string{"MO"},
		StartTime: "17:00",
		EndTime:   "17:30",
		Range:     &models.Range{StartDate: "2025-01-06", Until: "2025-01-31"},
		ExDates:   []string{"2025-01-20"},
		Location:  "Pool",
	}
}

func TestSeriesOfAndAttrsOf(t *testing.T) {
	off := false
	mins := 15
	ev := swim()
	ev.EndTime = ""
	ev.ReminderOn = &off
	ev.ReminderMinutes = &mins

	s := SeriesOf(ev)
	assert.Equal(t, "17:00", s.EndTime)
	assert.Equal(t, "2025-01-06", s.StartDate)
	assert.Equal(t, "2025-01-31", s.Until)
	assert.Equal(t, "2025-01-06", s.Event().Range.StartDate)

	a := AttrsOf(ev)
	assert.True(t, a.NoReminder)
	assert.Equal(t, 15, *a.ReminderMinutes)
	assert.Equal(t, "Pool", a.Location)
}

func TestMemorySeriesMatchesExpander(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ev := swim()
	id, err := m.CreateSeries(ctx, "", SeriesOf(ev), AttrsOf(ev))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := m.ListOccurrences(ctx, "primary", "2025-01-01T00:00:00", "2025-01-31T23:59:59")
	require.NoError(t, err)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	var want, have []string
	for _, occ := range recur.Expand(ev, from, to) {
		want = append(want, keys.OccurrenceKey(ev.Subject, occ))
	}
	for _, r := range got {
		have = append(have, keys.TimeKey(r.Subject, r.Start, r.End))
		assert.Equal(t, id, r.SeriesMasterID)
		assert.Equal(t, "Pool", r.Location.DisplayName)
	}
	assert.Equal(t, want, have)
	assert.Len(t, have, 3)
}

func TestMemoryMonthlySeries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ev := models.Event{Subject: "Book club", Repeat: "monthly", StartTime: "19:00", EndTime: "20:00",
		Range: &models.Range{StartDate: "2025-01-15"}}
	_, err := m.CreateSeries(ctx, "Home", SeriesOf(ev), Attrs{})
	require.NoError(t, err)

	got, err := m.ListOccurrences(ctx, "Home", "2025-01-01", "2025-03-31T23:59:59")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2025-02-15T19:00:00", got[1].Start)
	assert.Equal(t, "2025-02-15T20:00:00", got[1].End)

	other, err := m.ListOccurrences(ctx, "", "2025-01-01", "2025-03-31")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ev := swim()
	sid, err := m.CreateSeries(ctx, "", SeriesOf(ev), Attrs{})
	require.NoError(t, err)
	oid, err := m.CreateOneOff(ctx, "", "Dentist", "2025-01-08T10:00:00", "2025-01-08T11:00:00", Attrs{})
	require.NoError(t, err)

	list := func() []models.RemoteEvent {
		got, err := m.ListOccurrences(ctx, "", "2025-01-01T00:00:00", "2025-01-31T23:59:59")
		require.NoError(t, err)
		return got
	}
	all := list()
	require.Len(t, all, 4)
	assert.Equal(t, oid, all[1].ID)
	assert.Empty(t, all[1].SeriesMasterID)

	ok, err := m.DeleteByID(ctx, all[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, list(), 3)

	ok, err = m.DeleteByID(ctx, all[0].ID)
	require.NoError(t, err)
	assert.False(t, ok, "occurrence already deleted")

	ok, err = m.DeleteByID(ctx, sid)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, list(), 1)

	ok, err = m.DeleteByID(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{
		"create-series Swim",
		"create-one-off Dentist",
		"delete " + all[0].ID,
		"delete " + sid,
	}, m.Calls())
}

func TestMemoryCreatedTimestampsIncrease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.CreateOneOff(ctx, "", "A", "2025-01-08T10:00", "2025-01-08T11:00", Attrs{})
	require.NoError(t, err)
	_, err = m.CreateOneOff(ctx, "", "B", "2025-01-08T12:00", "2025-01-08T13:00", Attrs{})
	require.NoError(t, err)

	got, err := m.ListOccurrences(ctx, "", "2025-01-08", "2025-01-08T23:59:59")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Less(t, got[0].Created, got[1].Created)
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")
	m.Fail(OpCreateOneOff, "Dentist", boom)
	m.Fail(OpList, "", boom)

	_, err := m.CreateOneOff(ctx, "", "Dentist", "2025-01-08T10:00", "2025-01-08T11:00", Attrs{})
	assert.ErrorIs(t, err, boom)
	_, err = m.CreateOneOff(ctx, "", "Physio", "2025-01-08T10:00", "2025-01-08T11:00", Attrs{})
	assert.NoError(t, err)
	_, err = m.ListOccurrences(ctx, "anything", "2025-01-01", "2025-01-02")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.Len())
}
