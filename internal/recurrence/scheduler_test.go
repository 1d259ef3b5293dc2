package recurrence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextRun(t *testing.T) {
	offset := 5 * time.Minute
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's slot", time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)},
		{"exactly at the slot", time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC), time.Date(2026, 1, 2, 0, 5, 0, 0, time.UTC)},
		{"after today's slot", time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), time.Date(2026, 1, 2, 0, 5, 0, 0, time.UTC)},
		{"non-UTC clock", time.Date(2026, 1, 1, 20, 0, 0, 0, time.FixedZone("PST", -8*3600)), time.Date(2026, 1, 2, 0, 5, 0, 0, time.UTC).AddDate(0, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(NextRun(tt.now, offset)), "NextRun(%v) = %v, want %v", tt.now, NextRun(tt.now, offset), tt.want)
		})
	}
}

func TestScheduler_RunsAndStops(t *testing.T) {
	ran := make(chan time.Time, 1)
	s := NewScheduler(nil, Job{
		Name: "probe",
		Run: func(_ context.Context, now time.Time) error {
			select {
			case ran <- now:
			default:
			}
			return nil
		},
	})
	// A clock stuck in the past makes every timer due immediately.
	s.now = func() time.Time { return time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	cancel()
	s.Wait()
}
