package syncer

import (
	"fmt"

	"calplan/internal/apperr"
	"calplan/internal/models"
)

// PlanOptions configures a Plan run.
type PlanOptions struct {
	Sources []string
	// Kind forces the source format; empty detects it from each file extension.
	Kind string
	Out  string
}

// Plan builds a plan document from schedule sources and writes it to Out. A
// source that fails to load stops the run before anything is written.
func (s *Syncer) Plan(opts PlanOptions) (*Report, error) {
	if len(opts.Sources) == 0 {
		return nil, apperr.Configf("at least one --source is required")
	}
	if opts.Out == "" {
		return nil, apperr.Configf("--out is required")
	}

	p := &models.Plan{}
	report := &Report{}
	for _, src := range opts.Sources {
		events, err := s.sources.Load(src, opts.Kind)
		if err != nil {
			return nil, fmt.Errorf("failed to load source %s: %w", src, err)
		}
		s.logger.Info("Loaded schedule source.", "source", src, "events", len(events))
		report.addf("%s: %d events", src, len(events))
		p.Events = append(p.Events, events...)
	}

	if err := s.store.Save(opts.Out, p); err != nil {
		return nil, err
	}
	report.Created = len(p.Events)
	if len(p.Events) == 0 {
		report.addf("No events found. Add events under the 'events' key in %s.", opts.Out)
	}
	report.addf("Wrote %d events to %s", len(p.Events), opts.Out)
	return report, nil
}
