package automation

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/san-kum/dynsync/internal/engine"
	"github.com/san-kum/dynsync/internal/storage"
)

var quiet = log.New(io.Discard, "", 0)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

func TestParseLaunch(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		ok   bool
	}{
		{"minimal", "simulations: [{scene: a.yaml}]", true},
		{"no simulations", "world: lab", false},
		{"no scene", "simulations: [{name: a}]", false},
		{"duplicate name", "simulations: [{name: a, scene: a.yaml}, {name: a, scene: b.yaml}]", false},
		{"duplicate port", "simulations: [{scene: a.yaml, port: '1'}, {scene: b.yaml, port: '1'}]", false},
		{"bad yaml", "simulations: {", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLaunch([]byte(tt.doc))
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLaunchDefaults(t *testing.T) {
	l, err := ParseLaunch([]byte("simulations: [{scene: a.yaml}, {scene: b.yaml}]"))
	if err != nil {
		t.Fatal(err)
	}
	if l.World != "world" || l.Server.Port != 7000 {
		t.Errorf("launch = %+v", l)
	}
	a, b := l.Simulations[0], l.Simulations[1]
	if a.Name != "simulation_0" || a.Port != "7500" || b.Port != "7501" || a.RealTimeFactor != -1 {
		t.Errorf("simulations = %+v", l.Simulations)
	}
}

func TestLoadLaunchResolvesScenes(t *testing.T) {
	l, err := LoadLaunch("testdata/mirror.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got := l.scene(l.Simulations[0]); got != filepath.Join("testdata", "leader.yaml") {
		t.Errorf("scene path = %s", got)
	}
	if l.Simulations[1].Receive.Len() != 1 || l.Simulations[1].Params["arm"]["damping"] != 0.1 {
		t.Errorf("follower = %+v", l.Simulations[1])
	}
}

func TestRunMirrorsSimulations(t *testing.T) {
	l, err := LoadLaunch("testdata/mirror.yaml")
	if err != nil {
		t.Fatal(err)
	}
	l.Record = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := Run(ctx, l, Options{Logger: quiet, Listener: listen(t)})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	leader, follower := results[0], results[1]
	if leader.Steps != 400 || leader.StopReason != engine.StopReasonMaxNumberOfSteps {
		t.Errorf("leader = %+v", leader)
	}
	if follower.Steps != 200 || follower.Syncs != 200 || follower.SyncFailures != 0 {
		t.Errorf("follower = %+v", follower)
	}
	if leader.RecordingID != "" || follower.RecordingID == "" {
		t.Fatalf("recordings: leader %q, follower %q", leader.RecordingID, follower.RecordingID)
	}

	rec, err := storage.New(l.Record).LoadFrames(follower.RecordingID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.World != "lab" || rec.Simulation != "follower" || len(rec.Rows) != 200 {
		t.Fatalf("recording = %+v", rec.Metadata)
	}
	// the follower rests at the bottom on its own; any swing came from the leader
	col, ok := rec.Column("arm.joint_rvalue")
	if !ok {
		t.Fatalf("columns = %v", rec.Columns)
	}
	peak := 0.0
	for _, v := range col {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak < 0.1 {
		t.Errorf("follower never mirrored the leader, peak %v", peak)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l, err := ParseLaunch([]byte(`
server: {serve: true}
simulations:
  - name: forever
    scene: testdata/leader.yaml
    real_time_factor: 1
    send: {arm: [joint_rvalue]}
`))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	results, err := Run(ctx, l, Options{Logger: quiet, Listener: listen(t)})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("run did not stop with its context")
	}
	if results[0].StopReason != engine.StopReasonStop || results[0].Steps == 0 {
		t.Errorf("result = %+v", results[0])
	}
}

func TestRunFailsOnBadScene(t *testing.T) {
	l, err := ParseLaunch([]byte(`
server: {serve: true}
simulations: [{scene: testdata/missing.yaml}]
`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Run(context.Background(), l, Options{Logger: quiet, Listener: listen(t)})
	var be *engine.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunFailsOnBadParam(t *testing.T) {
	l, err := ParseLaunch([]byte(`
server: {serve: true}
simulations:
  - scene: testdata/leader.yaml
    params: {arm: {length: -1}}
`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Run(context.Background(), l, Options{Logger: quiet, Listener: listen(t)}); err == nil {
		t.Fatal("negative length accepted")
	}
}
