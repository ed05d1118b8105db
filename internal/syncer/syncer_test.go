package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calplan/internal/apperr"
	"calplan/internal/dedup"
	"calplan/internal/diff"
	"calplan/internal/plan"
	"calplan/internal/remote"
	"calplan/internal/source"
)

const planYAML = `events:
  - subject: Swim
    repeat: weekly
    byday: [MO]
    start_time: "17:00"
    end_time: "17:30"
    range:
      start_date: "2025-01-06"
      until: "2025-01-31"
  - subject: Dentist
    start: "2025-01-08T10:00:00"
    end: "2025-01-08T11:00:00"
`

var (
	jan1  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jan31 = time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
)

func setup(t *testing.T, doc string) (*Syncer, *remote.Memory, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "plan.yaml", []byte(doc), 0o644))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := remote.NewMemory()
	return NewSyncer(logger, m, plan.NewStore(fs), source.NewLoader(fs, logger)), m, fs
}

func syncOpts(apply, deleteMissing bool) SyncOptions {
	return SyncOptions{
		PlanPath:      "plan.yaml",
		From:          jan1,
		To:            jan31,
		Mode:          diff.ModeSubjectTime,
		Apply:         apply,
		DeleteMissing: deleteMissing,
	}
}

func TestSyncDryRunThenApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, m, _ := setup(t, planYAML)

	report, err := s.Sync(ctx, syncOpts(false, false))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[DRY-RUN] Sync window 2025-01-01 → 2025-01-31 on 'primary'",
		"Would create series: 1",
		"  - Swim (repeat=weekly, byday=MO, start_time=17:00)",
		"Would create one-offs: 1",
		"  - Dentist @ 2025-01-08T10:00:00→2025-01-08T11:00:00",
		"Delete extraneous: disabled (pass --delete-missing)",
	}, report.Lines)
	assert.Empty(t, m.Calls())

	report, err = s.Sync(ctx, syncOpts(true, false))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, "Sync complete. Created: 2; Deleted: 0", report.Lines[len(report.Lines)-1])
	assert.Equal(t, []string{"create-series Swim", "create-one-off Dentist"}, m.Calls())

	report, err = s.Sync(ctx, syncOpts(true, true))
	require.NoError(t, err)
	assert.Zero(t, report.Created)
	assert.Zero(t, report.Deleted)
	assert.Len(t, m.Calls(), 2)
}

func TestSyncDeletesExtraneous(t *testing.T) {
	ctx := context.Background()
	s, m, _ := setup(t, planYAML)
	_, err := m.CreateOneOff(ctx, "", "Party", "2025-01-10T20:00:00", "2025-01-10T23:00:00", remote.Attrs{})
	require.NoError(t, err)

	report, err := s.Sync(ctx, syncOpts(false, true))
	require.NoError(t, err)
	assert.Contains(t, report.Lines, "Would delete extraneous occurrences: 1 (match=subject-time)")
	assert.Contains(t, report.Lines, "  - Party @ 2025-01-10T20:00:00→2025-01-10T23:00:00")

	report, err = s.Sync(ctx, syncOpts(true, true))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Contains(t, report.Lines, "Deleted: Party @ 2025-01-10T20:00:00")
	assert.Equal(t, "Sync complete. Created: 2; Deleted: 1", report.Lines[len(report.Lines)-1])
}

func TestSyncBestEffort(t *testing.T) {
	ctx := context.Background()
	s, m, _ := setup(t, planYAML)
	_, err := m.CreateOneOff(ctx, "", "Party", "2025-01-10T20:00:00", "2025-01-10T23:00:00", remote.Attrs{})
	require.NoError(t, err)
	boom := errors.New("boom")
	m.Fail(remote.OpCreateOneOff, "Dentist", boom)

	report, err := s.Sync(ctx, syncOpts(true, true))
	require.Error(t, err)
	var mErr *apperr.MutationError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "Dentist", mErr.Target)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Deleted, "deletions still run after a failed create")
	assert.Contains(t, report.Lines, "Failed to create event 'Dentist': boom")
	assert.Equal(t, "Sync complete. Created: 1; Deleted: 1", report.Lines[len(report.Lines)-1])
}

func TestSyncRemoteUnavailableStopsBeforeDeletes(t *testing.T) {
	ctx := context.Background()
	s, m, _ := setup(t, planYAML)
	_, err := m.CreateOneOff(ctx, "", "Party", "2025-01-10T20:00:00", "2025-01-10T23:00:00", remote.Attrs{})
	require.NoError(t, err)
	m.Fail(remote.OpCreateSeries, "", &apperr.RemoteUnavailableError{Op: "create", Err: errors.New("401")})

	_, err = s.Sync(ctx, syncOpts(true, true))
	assert.True(t, apperr.IsRemoteUnavailable(err))
	for _, call := range m.Calls() {
		assert.False(t, strings.HasPrefix(call, "delete"), call)
	}
}

func TestSyncSecondRunLeavesBiweeklySeriesAlone(t *testing.T) {
	ctx := context.Background()
	// 2025-01-08 is a Wednesday, so the series begins on Monday 2025-01-13.
	s, m, _ := setup(t, `events:
  - subject: Piano
    repeat: weekly
    interval: 2
    byday: [MO]
    start_time: "09:00"
    end_time: "10:00"
    range: {start_date: "2025-01-08", until: "2025-03-31"}
`)
	opts := syncOpts(true, true)
	opts.To = time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

	report, err := s.Sync(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	calls := m.Calls()

	report, err = s.Sync(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, calls, m.Calls())
}

func TestSyncKeepsMonthlySeriesOccurrences(t *testing.T) {
	ctx := context.Background()
	s, m, _ := setup(t, `events:
  - subject: Rent
    repeat: monthly
    start_time: "09:00"
    end_time: "09:30"
    range: {start_date: "2025-01-05"}
`)
	opts := syncOpts(true, true)
	opts.To = time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

	report, err := s.Sync(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	report, err = s.Sync(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, []string{"create-series Rent"}, m.Calls())

	opts.Apply = false
	report, err = s.Sync(ctx, opts)
	require.NoError(t, err)
	assert.Contains(t, report.Lines, "Would delete extraneous occurrences: 0 (match=subject-time)")
}

func TestSyncRejectsBadWindow(t *testing.T) {
	s, _, _ := setup(t, planYAML)
	opts := syncOpts(false, false)
	opts.From, opts.To = jan31, jan1
	_, err := s.Sync(context.Background(), opts)
	assert.True(t, apperr.IsConfig(err))

	opts = syncOpts(false, false)
	opts.PlanPath = "missing.yaml"
	_, err = s.Sync(context.Background(), opts)
	assert.True(t, apperr.IsConfig(err))
}

const applyYAML = `events:
  - subject: A
    start: "2025-01-08T10:00:00"
    end: "2025-01-08T11:00:00"
  - start: "2025-01-08T12:00:00"
    end: "2025-01-08T13:00:00"
  - subject: B
    start: "2025-01-09T10:00:00"
    end: "2025-01-09T11:00:00"
  - subject: C
    start: "2025-01-10T10:00:00"
    end: "2025-01-10T11:00:00"
`

func TestApplyAbortsOnFirstFailure(t *testing.T) {
	ctx := context.Background()
	s, m, _ := setup(t, applyYAML)
	m.Fail(remote.OpCreateOneOff, "B", errors.New("boom"))

	report, err := s.Apply(ctx, ApplyOptions{PlanPath: "plan.yaml", Apply: true})
	var mErr *apperr.MutationError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "B", mErr.Target)
	require.Len(t, mErr.Log, 2)
	assert.True(t, strings.HasPrefix(mErr.Log[0], "Created: A (id="), mErr.Log[0])
	assert.Equal(t, "Skipping event without subject", mErr.Log[1])
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, []string{"create-one-off A"}, m.Calls(), "C is never attempted")
}

func TestApplyDryRunAndSuccess(t *testing.T) {
	ctx := context.Background()
	s, m, _ := setup(t, planYAML)

	report, err := s.Apply(ctx, ApplyOptions{PlanPath: "plan.yaml", Calendar: "Family"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[DRY RUN] 2 events in plan:",
		"  - Swim (repeat=weekly, byday=MO, 17:00-17:30) in 'Family'",
		"  - Dentist @ 2025-01-08T10:00:00→2025-01-08T11:00:00 in 'Family'",
	}, report.Lines)
	assert.Empty(t, m.Calls())

	report, err = s.Apply(ctx, ApplyOptions{PlanPath: "plan.yaml", Calendar: "Family", Apply: true})
	require.NoError(t, err)
	assert.Equal(t, "Applied 2 events.", report.Lines[len(report.Lines)-1])

	got, err := m.ListOccurrences(ctx, "Family", "2025-01-01", "2025-01-31T23:59:59")
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

const verifyYAML = `events:
  - subject: Swim
    repeat: weekly
    byday: [MO]
    start_time: "17:00"
    end_time: "17:30"
    range: {start_date: "2025-01-06", until: "2025-01-31"}
  - subject: Run
    repeat: weekly
    byday: [TU]
    start_time: "07:00"
    end_time: "08:00"
    range: {start_date: "2025-01-07"}
  - subject: Yoga
    repeat: weekly
    start_time: "09:00"
    end_time: "10:00"
    range: {start_date: "2025-01-07"}
  - subject: Book club
    repeat: monthly
    start_time: "19:00"
    end_time: "20:00"
    range: {start_date: "2025-01-15"}
`

func TestVerify(t *testing.T) {
	ctx := context.Background()
	s, m, fs := setup(t, verifyYAML)
	p, err := plan.NewStore(fs).Load("plan.yaml")
	require.NoError(t, err)
	_, err = m.CreateSeries(ctx, "", remote.SeriesOf(p.Events[0]), remote.Attrs{})
	require.NoError(t, err)

	report, err := s.Verify(ctx, VerifyOptions{PlanPath: "plan.yaml"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[1] duplicate: Swim MO 17:00-17:30 in 'primary'",
		"[2] missing:   Run TU 07:00-08:00 in 'primary'",
		"Checked 2 recurring entries. Duplicates: 1, Missing: 1.",
	}, report.Lines)
	assert.Equal(t, []string{"create-series Swim"}, m.Calls(), "verify never mutates")

	report, err = s.Verify(ctx, VerifyOptions{PlanPath: "plan.yaml", From: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Checked 0 recurring entries. Duplicates: 0, Missing: 0."}, report.Lines)
}

func TestVerifySkipsUnlistableCalendar(t *testing.T) {
	ctx := context.Background()
	s, m, _ := setup(t, verifyYAML+`  - subject: Choir
    calendar: Other
    repeat: weekly
    byday: [TH]
    start_time: "18:00"
    end_time: "19:00"
    range: {start_date: "2025-01-09"}
`)
	m.Fail(remote.OpList, "Other", errors.New("boom"))

	report, err := s.Verify(ctx, VerifyOptions{PlanPath: "plan.yaml"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[1] missing:   Swim MO 17:00-17:30 in 'primary'",
		"[2] missing:   Run TU 07:00-08:00 in 'primary'",
		"Checked 2 recurring entries. Duplicates: 0, Missing: 2.",
	}, report.Lines)

	m.Fail(remote.OpList, "", &apperr.RemoteUnavailableError{Op: "list", Err: errors.New("401")})
	_, err = s.Verify(ctx, VerifyOptions{PlanPath: "plan.yaml"})
	assert.True(t, apperr.IsRemoteUnavailable(err))
}

func TestVerifyWindow(t *testing.T) {
	s, _, _ := setup(t, verifyYAML)
	p, err := s.store.Load("plan.yaml")
	require.NoError(t, err)

	from, to, ok := verifyWindow(p.Events[1], time.Time{}, time.Time{})
	require.True(t, ok)
	assert.Equal(t, "2025-01-07", from.Format(dateLayout))
	assert.Equal(t, "2025-02-03", to.Format(dateLayout), "open ranges are checked for four weeks")

	from, to, ok = verifyWindow(p.Events[0], time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "2025-01-10", from.Format(dateLayout))
	assert.Equal(t, "2025-01-20", to.Format(dateLayout))

	_, _, ok = verifyWindow(p.Events[0], time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	assert.False(t, ok)
}

func TestDedup(t *testing.T) {
	ctx := context.Background()
	s, m, fs := setup(t, planYAML)
	p, err := plan.NewStore(fs).Load("plan.yaml")
	require.NoError(t, err)
	swim := remote.SeriesOf(p.Events[0])

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.CreateSeries(ctx, "", swim, remote.Attrs{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	opts := DedupOptions{From: jan1, To: jan31, Policy: dedup.Policy{}}

	report, err := s.Dedup(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, "swim MO 17:00-17:30: keep "+ids[0]+", delete "+ids[1]+", "+ids[2], report.Lines[0])
	assert.Equal(t, "[DRY-RUN] Found 1 duplicate groups in 'primary'; series to delete: 2", report.Lines[1])

	m.Fail(remote.OpDelete, ids[1], errors.New("locked"))
	opts.Apply = true
	report, err = s.Dedup(ctx, opts)
	require.Error(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "Dedup complete. Deleted: 1", report.Lines[len(report.Lines)-1])
	assert.Contains(t, m.Calls(), "delete "+ids[2])
}

func TestPlan(t *testing.T) {
	s, _, fs := setup(t, planYAML)
	require.NoError(t, afero.WriteFile(fs, "school.yaml", []byte(`
- title: Swim
  frequency: Weekly
  days: mon, wed
  startTime: "17:00"
  endTime: "17:30"
  startDate: "2025-01-06"
`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "extra.json", []byte(`{"events": [{"subject": "Dentist", "start": "2025-01-08T10:00", "end": "2025-01-08T11:00"}]}`), 0o644))

	report, err := s.Plan(PlanOptions{Sources: []string{"school.yaml", "extra.json"}, Out: "out/plan.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "Wrote 2 events to out/plan.yaml", report.Lines[len(report.Lines)-1])

	p, err := s.store.Load("out/plan.yaml")
	require.NoError(t, err)
	require.Len(t, p.Events, 2)
	assert.Equal(t, []string{"MO", "WE"}, p.Events[0].ByDay)
	assert.Equal(t, "weekly", p.Events[0].Repeat)

	_, err = s.Plan(PlanOptions{Sources: []string{"school.yaml", "nope.yaml"}, Out: "other.yaml"})
	require.Error(t, err)
	exists, _ := afero.Exists(fs, "other.yaml")
	assert.False(t, exists, "nothing is written when a source fails")
}

func TestRunnerPolicies(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fail := func(context.Context) (string, error) { return "", errors.New("nope") }
	ok := func(context.Context) (string, error) { return "done", nil }

	report := &Report{}
	r := newRunner(BestEffort, logger, report)
	require.NoError(t, r.do(ctx, "create event", "A", ok))
	require.NoError(t, r.do(ctx, "create event", "B", fail))
	require.NoError(t, r.do(ctx, "create event", "C", fail))
	assert.Equal(t, 2, report.Failed)
	assert.Contains(t, r.err().Error(), "2 errors occurred")

	report = &Report{}
	r = newRunner(AbortOnFirst, logger, report)
	require.NoError(t, r.do(ctx, "create event", "A", ok))
	err := r.do(ctx, "create event", "B", fail)
	var mErr *apperr.MutationError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, []string{"done"}, mErr.Log)
	assert.NoError(t, r.err())
}
