// Package tui is the terminal monitor of a running engine. A Monitor is the
// engine's view: quitting it ends an unconstrained run.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/dynsync/internal/engine"
)

var (
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	dimmer = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const (
	refresh     = 100 * time.Millisecond
	historySize = 60
	maxRows     = 12
)

// Monitor implements engine.View.
type Monitor struct {
	title string

	mu      sync.Mutex
	closed  bool
	program *tea.Program
}

func NewMonitor(title string) *Monitor {
	return &Monitor{title: title}
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Close marks the view closed and quits the program showing it.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	p := m.program
	m.mu.Unlock()
	if p != nil {
		// Quit blocks until the event loop reads it, which may be us.
		go p.Quit()
	}
}

// Open is called by the engine when a run starts.
func (m *Monitor) Open() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
}

// Run shows e until the monitor is quit, the engine stops or ctx is done.
func (m *Monitor) Run(ctx context.Context, e *engine.Engine, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(newModel(m, e), opts...)
	m.mu.Lock()
	m.program = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.program = nil
		m.mu.Unlock()
	}()
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// RunOn is Run with explicit terminal streams.
func (m *Monitor) RunOn(ctx context.Context, e *engine.Engine, in io.Reader, out io.Writer) error {
	return m.Run(ctx, e, tea.WithInput(in), tea.WithOutput(out))
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	mon    *Monitor
	engine *engine.Engine

	stats   engine.Stats
	columns []string
	values  []float64
	plotted int
	history []float64
	err     error

	width int
}

func newModel(mon *Monitor, e *engine.Engine) model {
	m := model{mon: mon, engine: e, width: 80}
	if l := e.Viewer().Read().Layout(); l != nil {
		m.columns = l.ColumnNames()
	}
	return m.sample()
}

func (m model) Init() tea.Cmd { return tick() }

// sample copies the engine counters and instance 0 of the read side.
func (m model) sample() model {
	m.stats = m.engine.Stats()
	if row, err := m.engine.Viewer().Read().SnapshotRow(0); err == nil {
		m.values = row
		if m.plotted < len(row) {
			m.history = append(m.history, row[m.plotted])
			if len(m.history) > historySize {
				m.history = m.history[len(m.history)-historySize:]
			}
		}
	}
	return m
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tickMsg:
		m = m.sample()
		if m.stats.State == engine.StateStopped && m.stats.StopReason != engine.StopReasonNone {
			return m, tea.Quit
		}
		return m, tick()
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.mon.mu.Lock()
		m.mon.closed = true
		m.mon.mu.Unlock()
		return m, tea.Quit
	case " ", "p":
		if m.engine.State() == engine.StatePaused {
			m.engine.Unpause()
		} else {
			m.engine.Pause()
		}
	case "r":
		m.err = m.engine.Reset()
		m.history = nil
	case "tab", "down", "j":
		if len(m.columns) > 0 {
			m.plotted = (m.plotted + 1) % len(m.columns)
			m.history = nil
		}
	case "shift+tab", "up", "k":
		if len(m.columns) > 0 {
			m.plotted = (m.plotted + len(m.columns) - 1) % len(m.columns)
			m.history = nil
		}
	}
	return m.sample(), nil
}

func (m model) View() string {
	var b strings.Builder

	icon, status := green.Render("●"), green.Render("running")
	switch m.stats.State {
	case engine.StatePaused:
		icon, status = yellow.Render("○"), yellow.Render("paused")
	case engine.StateStopped:
		icon, status = dim.Render("■"), dim.Render("stopped "+strings.ToLower(m.stats.StopReason.String()))
	}
	fmt.Fprintf(&b, "\n   %s %s  %s\n", icon, cyan.Render(m.mon.title), status)
	fmt.Fprintf(&b, "   %s\n", dim.Render(fmt.Sprintf("t=%.3fs  steps=%d  rtf=%.2f  %.0f steps/s",
		m.stats.SimulationTime, m.stats.Steps, m.stats.RealTimeFactor, m.stats.StepsPerSecond)))
	b.WriteString(dimmer.Render("   "+strings.Repeat("─", 40)) + "\n")

	for i, name := range m.columns {
		if i >= maxRows {
			fmt.Fprintf(&b, "     %s\n", dimmer.Render(fmt.Sprintf("… %d more", len(m.columns)-maxRows)))
			break
		}
		v := 0.0
		if i < len(m.values) {
			v = m.values[i]
		}
		if i == m.plotted {
			fmt.Fprintf(&b, "   %s%s %s\n", cyan.Render("▸ "), white.Render(fmt.Sprintf("%-32s", name)), white.Render(fmt.Sprintf("%10.4f", v)))
			continue
		}
		fmt.Fprintf(&b, "     %s %s\n", dim.Render(fmt.Sprintf("%-32s", name)), dim.Render(fmt.Sprintf("%10.4f", v)))
	}

	if len(m.history) > 1 {
		w := m.width - 12
		if w < 20 {
			w = 20
		}
		b.WriteString("\n")
		b.WriteString(asciigraph.Plot(m.history, asciigraph.Height(6), asciigraph.Width(w), asciigraph.Offset(3),
			asciigraph.Caption(m.columns[m.plotted])))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString("\n   " + red.Render(m.err.Error()) + "\n")
	}

	b.WriteString("\n" + dim.Render("   space pause  r reset  tab plot next  q quit") + "\n")
	return b.String()
}
