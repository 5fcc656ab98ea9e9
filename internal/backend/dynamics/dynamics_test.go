package dynamics

import (
	"errors"
	"io"
	"log"
	"math"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/dynamo"
	"github.com/san-kum/dynsync/internal/engine"
	"github.com/san-kum/dynsync/internal/schema"
)

const scenePath = "testdata/scene.yaml"

var quiet = log.New(io.Discard, "", 0)

func load(t *testing.T, instances int) *Backend {
	t.Helper()
	b := New(quiet)
	if err := b.Load(scenePath, instances); err != nil {
		t.Fatal(err)
	}
	return b
}

func get(t *testing.T, b *Backend, obj, attr string, n int) []float64 {
	t.Helper()
	dst := make([]float64, n)
	if err := b.ReadAttribute(obj, attr, 0, dst); err != nil {
		t.Fatal(err)
	}
	return dst
}

func steps(t *testing.T, b *Backend, n int, dt float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.Step(dt); err != nil {
			t.Fatal(err)
		}
	}
}

func TestParseSceneRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown integrator", "integrator: rk45\n"},
		{"nameless body", "bodies:\n  - mass: 1\n"},
		{"duplicate name", "bodies:\n  - name: a\njoints:\n  - name: a\n"},
		{"joint type", "joints:\n  - name: j\n    type: ball\n"},
		{"dangling actuator", "actuators:\n  - name: m\n    joint: nowhere\n"},
		{"two actuators", "joints:\n  - name: j\nactuators:\n  - name: m1\n    joint: j\n  - name: m2\n    joint: j\n"},
		{"negative mass", "bodies:\n  - name: a\n    mass: -1\n"},
		{"not yaml", "bodies: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseScene([]byte(tt.yaml)); !errors.Is(err, ErrScene) {
				t.Fatalf("err = %v, want ErrScene", err)
			}
		})
	}
}

func TestParseSceneDefaults(t *testing.T) {
	s, err := ParseScene([]byte("bodies:\n  - name: a\njoints:\n  - name: j\n"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Integrator != "rk4" || s.Bodies[0].Mass != 1 || s.Bodies[0].Quaternion != [4]float64{1, 0, 0, 0} {
		t.Fatalf("scene = %+v", s)
	}
	if s.Joints[0].Type != Revolute || s.Joints[0].Length != 1 {
		t.Fatalf("joint = %+v", s.Joints[0])
	}
}

func TestFreeFall(t *testing.T) {
	b := load(t, 1)
	steps(t, b, 1000, 1e-3)
	pos := get(t, b, "ball", "position", 3)
	want := 10 - 0.5*9.81
	if math.Abs(pos[2]-want) > 1e-9 || pos[0] != 5 {
		t.Fatalf("ball at %v, want z = %v", pos, want)
	}
	if got := get(t, b, "table", "position", 3); !reflect.DeepEqual(got, []float64{0, 0, 0}) {
		t.Fatalf("fixed table moved to %v", got)
	}
	if got := get(t, b, "cup", "position", 3); !reflect.DeepEqual(got, []float64{0.2, 0, 0.4}) {
		t.Fatalf("weightless cup moved to %v", got)
	}
}

func TestPendulumConservesEnergy(t *testing.T) {
	b := load(t, 1)
	steps(t, b, 2000, 1e-3)
	theta := get(t, b, "shoulder", "joint_rvalue", 1)[0]
	if theta == 0.5 {
		t.Fatal("pendulum did not move")
	}
	out, err := b.CallAPI("get_metrics", nil)
	if err != nil {
		t.Fatal(err)
	}
	var drift string
	for _, kv := range out {
		if strings.HasPrefix(kv, "shoulder.energy_drift=") {
			drift = strings.TrimPrefix(kv, "shoulder.energy_drift=")
		}
	}
	if drift == "" {
		t.Fatalf("metrics = %v", out)
	}
	if v, err := strconv.ParseFloat(drift, 64); err != nil || v > 1e-6 {
		t.Fatalf("energy drift = %s", drift)
	}
}

func TestActuatorTracksCommand(t *testing.T) {
	b := load(t, 1)
	if err := b.WriteAttribute("slider_motor", "cmd_joint_tvalue", 0, []float64{0.3}); err != nil {
		t.Fatal(err)
	}
	steps(t, b, 10000, 1e-3)
	if x := get(t, b, "slider", "joint_tvalue", 1)[0]; math.Abs(x-0.3) > 1e-2 {
		t.Fatalf("slider at %v, want 0.3", x)
	}
	if got := get(t, b, "slider_motor", "cmd_joint_tvalue", 1); got[0] != 0.3 {
		t.Fatalf("command reads back as %v", got)
	}
	// holding 0.3 against the spring takes k*x of force
	if f := get(t, b, "slider", "joint_force", 1)[0]; math.Abs(f-3) > 0.2 {
		t.Fatalf("joint force = %v, want about 3", f)
	}
}

func TestAttributeErrors(t *testing.T) {
	b := load(t, 1)
	tests := []struct {
		name string
		err  error
		call func() error
	}{
		{"unknown object", ErrUnknownObject, func() error {
			return b.ReadAttribute("ghost", "position", 0, make([]float64, 3))
		}},
		{"joint has no quaternion write", ErrUnsupported, func() error {
			return b.WriteAttribute("shoulder", "joint_quaternion", 0, []float64{1, 0, 0, 0})
		}},
		{"revolute has no tvalue", ErrUnsupported, func() error {
			return b.ReadAttribute("shoulder", "joint_tvalue", 0, make([]float64, 1))
		}},
		{"wrong width", ErrUnsupported, func() error {
			return b.ReadAttribute("ball", "position", 0, make([]float64, 4))
		}},
		{"wrong command", ErrUnsupported, func() error {
			return b.WriteAttribute("slider_motor", "cmd_joint_rvalue", 0, []float64{1})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
		})
	}
	if err := New(quiet).Step(0.1); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("err = %v, want ErrNotLoaded", err)
	}
	if err := b.ReadAttribute("ball", "position", 3, make([]float64, 3)); err == nil {
		t.Fatal("instance out of range accepted")
	}
}

func TestInvalidStateStopsStep(t *testing.T) {
	b := load(t, 1)
	b.WriteAttribute("slider", "joint_force", 0, []float64{math.Inf(1)})
	err := b.Step(1e-3)
	if !errors.Is(err, dynamo.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	var se *dynamo.SimulationError
	if !errors.As(err, &se) || se.Element != "slider" {
		t.Fatalf("err = %#v", err)
	}
}

func TestWeldAndUnweld(t *testing.T) {
	b := load(t, 1)
	if out, err := b.CallAPI("weld", []string{"ball", "cup"}); err != nil || out[0] != apicall.ResultSuccess {
		t.Fatalf("weld = %v, %v", out, err)
	}
	steps(t, b, 100, 1e-3)
	ball := get(t, b, "ball", "position", 3)
	cup := get(t, b, "cup", "position", 3)
	want := []float64{ball[0] - 4.8, ball[1], ball[2] - 9.6}
	for i := range want {
		if math.Abs(cup[i]-want[i]) > 1e-9 {
			t.Fatalf("cup at %v, want %v", cup, want)
		}
	}

	for i := 0; i < 2; i++ {
		if out, err := b.CallAPI("unweld", []string{"ball", "cup"}); err != nil || out[0] != apicall.ResultSuccess {
			t.Fatalf("unweld #%d = %v, %v", i+1, out, err)
		}
	}
	before := get(t, b, "cup", "position", 3)
	steps(t, b, 10, 1e-3)
	after := get(t, b, "cup", "position", 3)
	// the cup keeps the velocity it had while welded
	if after[2] >= before[2] {
		t.Fatalf("cup stopped moving: %v -> %v", before, after)
	}

	tests := [][]string{nil, {"ball"}, {"ball", "ball"}, {"ball", "ghost"}}
	for _, args := range tests {
		if _, err := b.CallAPI("weld", args); err == nil {
			t.Errorf("weld %v accepted", args)
		}
	}
}

func TestWeldAtPose(t *testing.T) {
	b := load(t, 2)
	if out, err := b.CallAPI("weld", []string{"table", "cup", "0.0 0.0 0.5 1.0 0.0 0.0 0.0"}); err != nil || out[0] != apicall.ResultSuccess {
		t.Fatalf("weld = %v, %v", out, err)
	}
	steps(t, b, 5, 1e-3)
	for i := 0; i < 2; i++ {
		x := make([]float64, 3)
		q := make([]float64, 4)
		b.ReadAttribute("cup", "position", i, x)
		b.ReadAttribute("cup", "quaternion", i, q)
		if !reflect.DeepEqual(x, []float64{0, 0, 0.5}) || !reflect.DeepEqual(q, []float64{1, 0, 0, 0}) {
			t.Fatalf("instance %d cup at %v %v", i, x, q)
		}
	}

	// separate arguments and an unnormalized quaternion are accepted
	if _, err := b.CallAPI("weld", []string{"table", "cup", "0", "0", "1", "2", "0", "0", "0"}); err != nil {
		t.Fatal(err)
	}
	if got := get(t, b, "cup", "position", 3); !reflect.DeepEqual(got, []float64{0, 0, 1}) {
		t.Fatalf("cup at %v", got)
	}

	tests := []string{"", "0 0 0.5", "0 0 0.5 1 0 0 0 0", "0 0 x 1 0 0 0", "0 0 0.5 0 0 0 0", "0 0 NaN 1 0 0 0"}
	for _, pose := range tests {
		if _, err := b.CallAPI("weld", []string{"table", "cup", pose}); err == nil {
			t.Errorf("weld with pose %q accepted", pose)
		}
	}

	r := apicall.NewRegistry(quiet)
	r.RegisterNamespace("sim", b.CallAPI)
	res := r.Dispatch("sim", []apicall.Call{{Function: "weld", Args: []string{"table", "cup", "1 2"}}})
	if !reflect.DeepEqual(res[0].Values, []string{apicall.ResultFailed}) {
		t.Fatalf("malformed pose answered %v", res[0].Values)
	}
}

func TestSetParamSurvivesReset(t *testing.T) {
	b := load(t, 2)
	if _, err := b.CallAPI("set_param", []string{"shoulder", "damping", "0.25"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CallAPI("set_param", []string{"shoulder", "damping", "0.5"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	out, err := b.CallAPI("get_params", []string{"shoulder"})
	if err != nil {
		t.Fatal(err)
	}
	if !contains(out, "damping=0.5") {
		t.Fatalf("shoulder params after reset = %v", out)
	}
	if got := b.worlds[1].byName["shoulder"].(*joint).params().GetParams()["damping"]; got != 0.5 {
		t.Fatalf("instance 1 damping = %v", got)
	}
	if len(b.overrides) != 1 {
		t.Fatalf("overrides = %v", b.overrides)
	}
}

func TestContactBodies(t *testing.T) {
	b := load(t, 1)
	out, err := b.CallAPI("get_contact_bodies", []string{"cup"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []string{"table"}) {
		t.Fatalf("contacts = %v", out)
	}
	out, _ = b.CallAPI("get_contact_bodies", []string{"ball"})
	if len(out) != 0 {
		t.Fatalf("ball contacts = %v", out)
	}
	if _, err := b.CallAPI("get_contact_bodies", []string{"ghost"}); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("err = %v", err)
	}
}

func TestAPI(t *testing.T) {
	b := load(t, 2)
	tests := []struct {
		fn   string
		args []string
		want []string
	}{
		{"is_mujoco", nil, []string{"false"}},
		{"get_all_body_names", nil, []string{"table", "cup", "ball"}},
		{"get_all_joint_names", nil, []string{"shoulder", "slider"}},
		{"get_all_actuator_names", nil, []string{"slider_motor"}},
		{"set_param", []string{"shoulder", "length", "2"}, []string{"success"}},
		{"get_params", []string{"shoulder"}, []string{"damping=0", "gravity=9.81", "length=2", "mass=1"}},
		{"set_param", []string{"slider_motor", "kp", "10"}, []string{"success"}},
	}
	for _, tt := range tests {
		got, err := b.CallAPI(tt.fn, tt.args)
		if err != nil || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s%v = %v, %v; want %v", tt.fn, tt.args, got, err, tt.want)
		}
	}
	if _, err := b.CallAPI("fly", nil); !errors.Is(err, apicall.ErrNotImplemented) {
		t.Fatalf("err = %v", err)
	}
	if _, err := b.CallAPI("set_param", []string{"shoulder", "length", "-1"}); !errors.Is(err, dynamo.ErrParameterBounds) {
		t.Fatalf("err = %v", err)
	}
	// parameters reach every instance
	if b.worlds[1].byName["slider_motor"].(*actuator).pid.Kp != 10 {
		t.Fatal("set_param skipped instance 1")
	}
	if len(Functions()) != len(api) {
		t.Fatal("Functions out of sync")
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	b := load(t, 3)
	if b.Instances() != 3 {
		t.Fatalf("instances = %d", b.Instances())
	}
	b.WriteAttribute("ball", "linear_velocity", 1, []float64{1, 0, 0})
	steps(t, b, 100, 1e-2)
	x := make([]float64, 3)
	b.ReadAttribute("ball", "position", 0, x)
	x0 := x[0]
	b.ReadAttribute("ball", "position", 1, x)
	if math.Abs(x[0]-x0-1) > 1e-9 {
		t.Fatalf("instance 1 x = %v, instance 0 x = %v", x[0], x0)
	}
}

func TestReset(t *testing.T) {
	b := load(t, 1)
	b.CallAPI("weld", []string{"ball", "cup"})
	steps(t, b, 50, 1e-2)
	if err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := get(t, b, "ball", "position", 3); !reflect.DeepEqual(got, []float64{5, 0, 10}) {
		t.Fatalf("ball after reset = %v", got)
	}
	steps(t, b, 10, 1e-2)
	if got := get(t, b, "cup", "position", 3); !reflect.DeepEqual(got, []float64{0.2, 0, 0.4}) {
		t.Fatalf("weld survived reset, cup at %v", got)
	}
}

func TestOverrideSurvivesReset(t *testing.T) {
	b := New(quiet)
	if err := b.Override("shoulder", "damping", 0.25); err != nil {
		t.Fatal(err)
	}
	if err := b.Load(scenePath, 2); err != nil {
		t.Fatal(err)
	}
	if err := b.Override("slider_motor", "kp", 50); err != nil {
		t.Fatal(err)
	}
	if err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	out, err := b.CallAPI("get_params", []string{"shoulder"})
	if err != nil {
		t.Fatal(err)
	}
	if !contains(out, "damping=0.25") {
		t.Errorf("shoulder params = %v", out)
	}
	out, _ = b.CallAPI("get_params", []string{"slider_motor"})
	if !contains(out, "kp=50") {
		t.Errorf("motor params = %v", out)
	}

	if err := b.Override("shoulder", "length", -1); !errors.Is(err, dynamo.ErrParameterBounds) {
		t.Errorf("bad override: %v", err)
	}
	if err := b.Override("table", "mass", 1); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("override on a body: %v", err)
	}

	late := New(quiet)
	late.Override("ghost", "kp", 1)
	if err := late.Load(scenePath, 1); err == nil {
		t.Error("override of a missing element accepted at load")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestDrivesEngine(t *testing.T) {
	write := schema.NewDeclarations()
	write.Set("slider_motor", "cmd_joint_tvalue")
	read := schema.NewDeclarations()
	read.Set("slider", "joint_tvalue", "joint_force")
	read.Set("ball", "position", "quaternion")

	e, err := engine.New(New(quiet), engine.Options{
		Name:     "sim_dynamics",
		File:     scenePath,
		StepSize: 1e-3,
		Headless: true,
		Write:    write,
		Read:     read,
		Logger:   quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if err := e.Viewer().Write().LoadValue("slider_motor", "cmd_joint_tvalue", 0, []float64{0.3}); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(engine.StartOptions{Constraints: engine.Constraints{MaxNumberOfSteps: 10000}}); err != nil {
		t.Fatal(err)
	}
	for e.State() == engine.StateRunning {
		if err := e.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if e.StopReason() != engine.StopReasonMaxNumberOfSteps {
		t.Fatalf("stop reason = %v", e.StopReason())
	}
	x, err := e.Viewer().Read().SnapshotValue("slider", "joint_tvalue", 0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(x[0]-0.3) > 1e-2 {
		t.Fatalf("slider at %v", x[0])
	}
	q, _ := e.Viewer().Read().SnapshotValue("ball", "quaternion", 0)
	if !reflect.DeepEqual(q, []float64{1, 0, 0, 0}) {
		t.Fatalf("ball quaternion = %v", q)
	}

	res := e.CallAPI("sim_dynamics", []apicall.Call{{Function: "is_mujoco"}, {Function: "unweld", Args: []string{"ball", "cup"}}})
	if len(res) != 2 || res[0].Values[0] != "false" || res[1].Values[0] != apicall.ResultSuccess {
		t.Fatalf("api results = %+v", res)
	}
}
