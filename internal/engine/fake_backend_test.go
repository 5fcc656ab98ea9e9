package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/dynsync/internal/apicall"
)

// fakeBackend integrates joint1 at the commanded rate of actuator1.
type fakeBackend struct {
	mu        sync.Mutex
	loadErr   error
	failAt    int
	instances int
	steps     int
	resets    int
	joint     []float64
	cmd       []float64
	welded    map[string]bool

	resetDelay time.Duration
	stepping   atomic.Int32
	overlap    atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{welded: map[string]bool{}}
}

func (b *fakeBackend) Load(_ string, instances int) error {
	if b.loadErr != nil {
		return b.loadErr
	}
	b.instances = instances
	b.joint = make([]float64, instances)
	b.cmd = make([]float64, instances)
	return nil
}

func (b *fakeBackend) Step(dt float64) error {
	n := b.stepping.Add(1)
	for m := b.overlap.Load(); n > m && !b.overlap.CompareAndSwap(m, n); m = b.overlap.Load() {
	}
	defer b.stepping.Add(-1)
	time.Sleep(10 * time.Microsecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps++
	if b.failAt > 0 && b.steps == b.failAt {
		return errors.New("solver diverged")
	}
	for i := range b.joint {
		b.joint[i] += b.cmd[i] * dt
	}
	return nil
}

func (b *fakeBackend) Reset() error {
	time.Sleep(b.resetDelay)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
	b.steps = 0
	for i := range b.joint {
		b.joint[i] = 0
	}
	return nil
}

func (b *fakeBackend) ReadAttribute(object, attribute string, instance int, dst []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch object + "." + attribute {
	case "joint1.joint_rvalue":
		dst[0] = b.joint[instance]
	case "joint1.joint_angular_velocity", "actuator1.cmd_joint_rvalue":
		dst[0] = b.cmd[instance]
	default:
		return fmt.Errorf("unknown %s.%s", object, attribute)
	}
	return nil
}

func (b *fakeBackend) WriteAttribute(object, attribute string, instance int, values []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if object != "actuator1" || attribute != "cmd_joint_rvalue" {
		return fmt.Errorf("unknown %s.%s", object, attribute)
	}
	b.cmd[instance] = values[0]
	return nil
}

func (b *fakeBackend) CallAPI(function string, args []string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch function {
	case "weld":
		if len(args) < 2 {
			return nil, errors.New("weld needs two bodies")
		}
		b.welded[args[0]+"/"+args[1]] = true
		return []string{apicall.ResultSuccess}, nil
	case "unweld":
		delete(b.welded, args[0]+"/"+args[1])
		return []string{apicall.ResultSuccess}, nil
	}
	return nil, apicall.ErrNotImplemented
}

func (b *fakeBackend) stepCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps
}

func (b *fakeBackend) command(instance int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cmd[instance]
}
