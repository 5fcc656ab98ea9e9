package engine

import (
	"bytes"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/schema"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestEngine(backend *fakeBackend, mutate func(*Options)) *Engine {
	write := schema.NewDeclarations()
	write.Set("actuator1", "cmd_joint_rvalue")
	read := schema.NewDeclarations()
	read.Set("joint1", "joint_rvalue", "joint_angular_velocity")

	opts := Options{
		Name:           "sim_test",
		StepSize:       1e-3,
		RealTimeFactor: -1,
		Instances:      2,
		Write:          write,
		Read:           read,
		Logger:         quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(backend, opts)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(e.Close)
	return e
}

var _ = Describe("Engine", func() {
	var (
		backend *fakeBackend
		eng     *Engine
	)

	BeforeEach(func() {
		backend = newFakeBackend()
		eng = newTestEngine(backend, nil)
	})

	Describe("lifecycle", func() {
		It("starts stopped without a stop reason", func() {
			Expect(eng.State()).To(Equal(StateStopped))
			Expect(eng.StopReason()).To(Equal(StopReasonNone))
			Expect(eng.Done()).To(BeClosed())
		})

		It("runs and stops on request", func() {
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			Expect(eng.State()).To(Equal(StateRunning))
			Eventually(eng.CurrentNumberOfSteps).Should(BeNumerically(">", 0))

			eng.Stop()
			Expect(eng.State()).To(Equal(StateStopped))
			Expect(eng.StopReason()).To(Equal(StopReasonStop))
			Expect(eng.Done()).To(BeClosed())
		})

		It("ignores a second start", func() {
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			done := eng.Done()
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			Expect(eng.Done()).To(Equal(done))
		})

		It("steps on a single goroutine when started concurrently", func() {
			backend.resetDelay = 50 * time.Millisecond
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
				}()
			}
			wg.Wait()
			Eventually(eng.CurrentNumberOfSteps).Should(BeNumerically(">", 50))
			eng.Stop()

			Expect(backend.overlap.Load()).To(BeEquivalentTo(1))
			Expect(eng.CurrentNumberOfSteps()).To(Equal(backend.stepCount()))
		})

		It("toggles pause without losing progress", func() {
			eng.Pause()
			Expect(eng.State()).To(Equal(StateStopped))

			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			for i := 0; i < 10; i++ {
				eng.Pause()
				Expect(eng.State()).To(Equal(StatePaused))
				eng.Unpause()
				Expect(eng.State()).To(Equal(StateRunning))
			}
			eng.Unpause()
			Expect(eng.State()).To(Equal(StateRunning))
		})

		It("does not step while paused", func() {
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			Eventually(eng.CurrentNumberOfSteps).Should(BeNumerically(">", 5))
			eng.Pause()
			// let an in-flight step land
			time.Sleep(20 * time.Millisecond)
			held := eng.CurrentNumberOfSteps()
			Consistently(eng.CurrentNumberOfSteps, 50*time.Millisecond).Should(Equal(held))

			eng.Unpause()
			Eventually(eng.CurrentNumberOfSteps).Should(BeNumerically(">", held))
		})

		It("stops from a paused state", func() {
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			eng.Pause()
			eng.Stop()
			Expect(eng.StopReason()).To(Equal(StopReasonStop))
			Expect(eng.Done()).To(BeClosed())
		})
	})

	Describe("manual stepping", func() {
		It("advances one tick per call", func() {
			Expect(eng.Start(StartOptions{})).To(Succeed())
			for i := 0; i < 10; i++ {
				Expect(eng.CurrentNumberOfSteps()).To(Equal(i))
				Expect(eng.CurrentSimulationTime()).To(BeNumerically("~", float64(i)*1e-3, 1e-9))
				Expect(eng.Step()).To(Succeed())
				Expect(eng.StopReason()).To(Equal(StopReasonNone))
			}
			eng.Stop()
			Expect(eng.StopReason()).To(Equal(StopReasonStop))
		})

		It("rejects steps outside a manual run", func() {
			Expect(eng.Step()).To(MatchError(ErrNotRunning))

			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			Expect(eng.Step()).To(MatchError(ErrThreaded))
		})

		It("resets counters and the backend", func() {
			Expect(eng.Start(StartOptions{})).To(Succeed())
			for i := 0; i < 3; i++ {
				Expect(eng.Step()).To(Succeed())
			}
			resets := backend.resets
			Expect(eng.Reset()).To(Succeed())
			Expect(eng.CurrentNumberOfSteps()).To(Equal(0))
			Expect(eng.CurrentSimulationTime()).To(Equal(0.0))
			Expect(backend.resets).To(Equal(resets + 1))
		})

		It("runs post-step callbacks once per step", func() {
			var seen []int
			eng.AddPostStepCallback(func(e *Engine) {
				seen = append(seen, e.CurrentNumberOfSteps())
			})
			Expect(eng.Start(StartOptions{})).To(Succeed())
			for i := 0; i < 3; i++ {
				Expect(eng.Step()).To(Succeed())
			}
			Expect(seen).To(Equal([]int{1, 2, 3}))
		})
	})

	Describe("constraints", func() {
		run := func(c Constraints) {
			Expect(eng.Start(StartOptions{Constraints: c, RunInThread: true})).To(Succeed())
			Eventually(eng.State, 5*time.Second).Should(Equal(StateStopped))
			Eventually(eng.Done()).Should(BeClosed())
		}

		It("stops at the step limit", func() {
			run(Constraints{MaxNumberOfSteps: 10})
			Expect(eng.StopReason()).To(Equal(StopReasonMaxNumberOfSteps))
			Expect(eng.CurrentNumberOfSteps()).To(Equal(10))
		})

		It("stops at the simulation time limit", func() {
			run(Constraints{MaxSimulationTime: 0.01})
			Expect(eng.StopReason()).To(Equal(StopReasonMaxSimulationTime))
			Expect(eng.CurrentSimulationTime()).To(BeNumerically("~", 0.01, 1e-9))
		})

		It("stops at the real time limit", func() {
			run(Constraints{MaxRealTime: 100 * time.Millisecond})
			Expect(eng.StopReason()).To(Equal(StopReasonMaxRealTime))
			Expect(time.Since(eng.StartRealTime())).To(BeNumerically("<", 1100*time.Millisecond))
		})

		It("prefers the step limit when several trigger together", func() {
			run(Constraints{MaxNumberOfSteps: 10, MaxSimulationTime: 0.01, MaxRealTime: time.Hour})
			Expect(eng.StopReason()).To(Equal(StopReasonMaxNumberOfSteps))
			Expect(eng.CurrentNumberOfSteps()).To(Equal(10))
		})

		It("stops a manual run too", func() {
			Expect(eng.Start(StartOptions{Constraints: Constraints{MaxNumberOfSteps: 2}})).To(Succeed())
			Expect(eng.Step()).To(Succeed())
			Expect(eng.Step()).To(Succeed())
			Expect(eng.State()).To(Equal(StateStopped))
			Expect(eng.StopReason()).To(Equal(StopReasonMaxNumberOfSteps))
		})
	})

	Describe("view", func() {
		It("stops an unconstrained run when the view closes", func() {
			view := &HeadlessView{}
			eng = newTestEngine(newFakeBackend(), func(o *Options) {
				o.Name = "sim_view"
				o.View = view
			})
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			view.Close()
			Eventually(eng.StopReason).Should(Equal(StopReasonViewerIsClosed))
			Expect(eng.State()).To(Equal(StateStopped))
		})

		It("reopens a headless view on restart", func() {
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			eng.Stop()
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			Consistently(eng.State, 30*time.Millisecond).Should(Equal(StateRunning))
		})
	})

	Describe("backend errors", func() {
		It("stops with ERROR and keeps the cause", func() {
			backend.failAt = 5
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			Eventually(eng.StopReason).Should(Equal(StopReasonError))
			Expect(errors.Is(eng.Err(), ErrBackend)).To(BeTrue())
			Expect(eng.Wait(ctxBackground())).To(MatchError(ContainSubstring("solver diverged")))
		})

		It("fails construction when the scene cannot load", func() {
			b := newFakeBackend()
			b.loadErr = errors.New("no such file")
			_, err := New(b, Options{Name: "broken", Logger: quietLogger()})
			Expect(err).To(MatchError(ErrBackend))
		})

		It("rejects undeclared attributes", func() {
			read := schema.NewDeclarations()
			read.Set("joint1", "not_an_attribute")
			_, err := New(newFakeBackend(), Options{Name: "bad", Read: read, Logger: quietLogger()})
			Expect(errors.Is(err, schema.ErrSchemaMismatch)).To(BeTrue())
		})

		It("logs write attributes the backend cannot report", func() {
			var out bytes.Buffer
			write := schema.NewDeclarations()
			write.Set("actuator1", "cmd_joint_tvalue")
			e, err := New(newFakeBackend(), Options{Name: "seed", Write: write, Logger: log.New(&out, "", 0)})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(e.Close)
			Expect(out.String()).To(ContainSubstring("[engine seed] no initial value for actuator1.cmd_joint_tvalue[0]"))
			Expect(e.Viewer().Write().Row(0)).To(Equal([]float64{0}))
		})
	})

	Describe("viewer", func() {
		It("moves write values in and backend state out", func() {
			Expect(eng.Viewer().Write().LoadValue("actuator1", "cmd_joint_rvalue", 1, []float64{2})).To(Succeed())
			Expect(eng.Start(StartOptions{})).To(Succeed())
			Expect(eng.Step()).To(Succeed())

			Expect(backend.command(0)).To(Equal(0.0))
			Expect(backend.command(1)).To(Equal(2.0))

			snap := eng.Viewer().Read().Snapshot()
			Expect(snap).To(HaveLen(2))
			Expect(snap[1][0]).To(BeNumerically("~", 2e-3, 1e-12))
			Expect(snap[1][1]).To(Equal(2.0))
			Expect(snap[0]).To(Equal([]float64{0, 0}))
		})
	})

	Describe("API callbacks", func() {
		calls := []apicall.Call{
			{Function: "weld", Args: []string{"hand", "box"}},
			{Function: "unknown_fn"},
			{Function: "unweld", Args: []string{"hand", "box"}},
			{Function: "unweld", Args: []string{"hand", "box"}},
		}
		expectResults := func(res []apicall.Result) {
			Expect(res).To(HaveLen(4))
			Expect(res[0].Values).To(Equal([]string{apicall.ResultSuccess}))
			Expect(res[1].Values).To(Equal([]string{apicall.ResultNotImplemented}))
			Expect(res[2].Values).To(Equal([]string{apicall.ResultSuccess}))
			Expect(res[3].Values).To(Equal([]string{apicall.ResultSuccess}))
		}

		It("dispatches inline when stopped", func() {
			expectResults(eng.CallAPI("sim_test", calls))
		})

		It("dispatches between steps of a threaded run", func() {
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			expectResults(eng.CallAPI("sim_test", calls))
		})

		It("answers while paused", func() {
			Expect(eng.Start(StartOptions{RunInThread: true})).To(Succeed())
			eng.Pause()
			done := make(chan []apicall.Result, 1)
			go func() { done <- eng.CallAPI("sim_test", calls) }()
			Eventually(done).Should(Receive(WithTransform(func(r []apicall.Result) int { return len(r) }, Equal(4))))
			Expect(eng.State()).To(Equal(StatePaused))
		})
	})
})
