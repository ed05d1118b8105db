package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"calplan/internal/apperr"
	"calplan/internal/plan"
	"calplan/internal/remote"
	"calplan/internal/source"
)

const (
	dateLayout = "2006-01-02"
	// sampleLimit bounds the number of items listed per category in a preview.
	sampleLimit = 10
)

// FailurePolicy decides what a mutation run does when one create or delete fails.
type FailurePolicy int

const (
	// BestEffort logs and counts the failure and moves on to the next item.
	BestEffort FailurePolicy = iota
	// AbortOnFirst stops at the first failure.
	AbortOnFirst
)

// Report is the human-readable outcome of a run plus its counters.
type Report struct {
	Lines      []string
	Created    int
	Deleted    int
	Failed     int
	Duplicates int
	Missing    int
}

func (r *Report) addf(format string, args ...any) {
	r.Lines = append(r.Lines, fmt.Sprintf(format, args...))
}

// String joins the report lines.
func (r *Report) String() string {
	return strings.Join(r.Lines, "\n")
}

// Syncer orchestrates the plan, verify, sync, apply and dedup runs against one
// remote calendar.
type Syncer struct {
	logger  *slog.Logger
	cal     remote.Calendar
	store   *plan.Store
	sources *source.Loader
}

// NewSyncer creates a new Syncer. cal may be nil for runs that never talk to
// the remote calendar (plan generation).
func NewSyncer(logger *slog.Logger, cal remote.Calendar, store *plan.Store, sources *source.Loader) *Syncer {
	return &Syncer{
		logger:  logger,
		cal:     cal,
		store:   store,
		sources: sources,
	}
}

func (s *Syncer) remote() (remote.Calendar, error) {
	if s.cal == nil {
		return nil, apperr.Configf("no remote calendar configured")
	}
	return s.cal, nil
}

// runner executes mutations one at a time under a FailurePolicy.
type runner struct {
	policy FailurePolicy
	logger *slog.Logger
	report *Report
	errs   *multierror.Error
}

func newRunner(policy FailurePolicy, logger *slog.Logger, report *Report) *runner {
	return &runner{policy: policy, logger: logger, report: report}
}

// do runs fn and records its outcome. It returns an error only when the run
// must stop: the remote is unavailable, or the policy is AbortOnFirst.
func (r *runner) do(ctx context.Context, op, target string, fn func(context.Context) (string, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := fn(ctx)
	if err == nil {
		if line != "" {
			r.report.Lines = append(r.report.Lines, line)
		}
		return nil
	}

	r.report.Failed++
	r.logger.Error("Mutation failed", "op", op, "target", target, "error", err)
	if apperr.IsRemoteUnavailable(err) {
		return err
	}

	mErr := &apperr.MutationError{Op: op, Target: target, Err: err}
	if r.policy == AbortOnFirst {
		mErr.Log = append([]string(nil), r.report.Lines...)
	}
	r.report.addf("Failed to %s '%s': %v", op, target, err)
	if r.policy == AbortOnFirst {
		return mErr
	}
	r.errs = multierror.Append(r.errs, mErr)
	return nil
}

// err returns the aggregated per-item failures, or nil.
func (r *runner) err() error {
	return r.errs.ErrorOrNil()
}

// window validates an inclusive day window and renders it as the listing bounds.
func (s *Syncer) window(from, to time.Time) (string, string, error) {
	if from.IsZero() || to.IsZero() {
		return "", "", apperr.Configf("both --from and --to are required")
	}
	if to.Before(from) {
		return "", "", apperr.Configf("--to %s is before --from %s", to.Format(dateLayout), from.Format(dateLayout))
	}
	return from.Format(dateLayout) + "T00:00:00", to.Format(dateLayout) + "T23:59:59", nil
}

func (s *Syncer) logWarnings(warnings []error) {
	for _, w := range warnings {
		var rw *apperr.RecurrenceWarning
		if errors.As(w, &rw) {
			s.logger.Warn("Recurring event yields no occurrences", "subject", rw.Subject, "reason", rw.Reason)
			continue
		}
		s.logger.Warn("Plan warning", "error", w)
	}
}

func calendarFor(eventCalendar, fallback string) string {
	if eventCalendar != "" {
		return eventCalendar
	}
	return fallback
}
