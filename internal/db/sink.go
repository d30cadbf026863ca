package db

import (
	"context"

	"github.com/banshee-data/coincidence.report/internal/live"
)

// Subscriber stores every live update as a sample of runID. Write failures
// are returned to the controller, which logs them and keeps going.
func (db *DB) Subscriber(ctx context.Context, runID string) live.Subscriber {
	return func(u *live.Update) error {
		_, err := db.RecordSample(ctx, runID, SampleInput{
			Seq:        u.Seq,
			CapturedAt: u.At,
			Batch:      u.Batch,
			Result:     u.Result,
			Metrics:    u.Metrics,
		})
		return err
	}
}
