package engine

import (
	"context"
	"testing"
	"time"
)

func ctxBackground() context.Context { return context.Background() }

func TestRealTimePacing(t *testing.T) {
	tests := []struct {
		name    string
		rtf     float64
		minWall time.Duration
	}{
		{"real time", 1, 80 * time.Millisecond},
		{"double speed", 2, 40 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(newFakeBackend(), Options{
				Name:           "pacing",
				StepSize:       0.01,
				RealTimeFactor: tt.rtf,
				Logger:         quietLogger(),
			})
			if err != nil {
				t.Fatal(err)
			}
			defer e.Close()

			start := time.Now()
			if err := e.Start(StartOptions{Constraints: Constraints{MaxNumberOfSteps: 10}, RunInThread: true}); err != nil {
				t.Fatal(err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.Wait(ctx); err != nil {
				t.Fatal(err)
			}
			if elapsed := time.Since(start); elapsed < tt.minWall {
				t.Errorf("10 steps of 10ms at rtf %v took %v, want >= %v", tt.rtf, elapsed, tt.minWall)
			}
			if s := e.Stats(); s.Steps != 10 || s.StopReason != StopReasonMaxNumberOfSteps {
				t.Errorf("stats = %+v", s)
			}
		})
	}
}

func TestUnpacedRunIsFast(t *testing.T) {
	e, err := New(newFakeBackend(), Options{Name: "fast", StepSize: 1, RealTimeFactor: -1, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if err := e.Start(StartOptions{Constraints: Constraints{MaxNumberOfSteps: 1000}, RunInThread: true}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("1000 unpaced steps of 1s did not finish: %v", err)
	}
}

func TestStateStrings(t *testing.T) {
	if StatePaused.String() != "PAUSED" || StopReasonViewerIsClosed.String() != "VIEWER_IS_CLOSED" {
		t.Fatal("names")
	}
	if !(Constraints{}).IsZero() || (Constraints{MaxRealTime: time.Second}).IsZero() {
		t.Fatal("IsZero")
	}
}
