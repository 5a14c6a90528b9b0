package probe

import (
	"context"

	"github.com/google/uuid"

	"github.com/saveenergy/losstest/pkg/errors"
	"github.com/saveenergy/losstest/pkg/types"
)

// Reporter is a sink for finished runs. The probe never formats or prints
// results itself.
type Reporter interface {
	Report(*types.Report) error
}

type ReporterFunc func(*types.Report) error

func (f ReporterFunc) Report(r *types.Report) error { return f(r) }

// NewReport assembles the report for a finished run. runErr is the error
// returned by Driver.Run, if any.
func NewReport(cfg Config, res Result, runErr error) *types.Report {
	report := &types.Report{
		SchemaVersion: types.SchemaVersion,
		ID:            uuid.NewString(),
		Status:        types.RunStatusCompleted,
		Config:        cfg.RunConfig(),
		Summary:       res.Summary,
		Path:          res.Path,
		StartTime:     res.StartTime,
		EndTime:       res.EndTime,
	}
	if d := res.Duration(); d > 0 {
		report.DurationSeconds = d.Seconds()
		report.PacketsPerSecond = float64(res.Summary.Sent) / d.Seconds()
	}
	if runErr != nil {
		report.Error = runErr.Error()
		report.Status = types.RunStatusFailed
		if errors.Code(runErr) == errors.ErrCodeCancelled {
			report.Status = types.RunStatusCancelled
		}
	}
	return report
}

// Execute runs d once and hands the report to every reporter. The run error
// takes precedence over reporter errors.
func Execute(ctx context.Context, d *Driver, reporters ...Reporter) (*types.Report, error) {
	res, runErr := d.Run(ctx)
	report := NewReport(d.Config(), res, runErr)

	var reportErr error
	for _, r := range reporters {
		if err := r.Report(report); err != nil && reportErr == nil {
			reportErr = err
		}
	}
	if runErr != nil {
		return report, runErr
	}
	return report, reportErr
}
