package main

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brensch/deepsearch/executor/inference"
	tea "github.com/charmbracelet/bubbletea"
)

// counters are updated by shards and read by the TUI and the stats ticker.
type counters struct {
	steps       atomic.Int64
	batchesDone atomic.Int64
	batchesSkip atomic.Int64
	rows        atomic.Int64
	solved      atomic.Int64
}

// event is a line for the recent events panel.
type event struct {
	Shard int
	Text  string
}

type model struct {
	counters  *counters
	stats     func() (inference.RuntimeStats, bool)
	total     int
	startTime time.Time
	recent    []string
	events    chan event

	steps   int64
	batches int64
	skipped int64
	rows    int64
	solved  int64
}

func initialModel(c *counters, stats func() (inference.RuntimeStats, bool), total int, events chan event) model {
	return model{
		counters:  c,
		stats:     stats,
		total:     total,
		startTime: time.Now(),
		events:    events,
	}
}

type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*200, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tickCmd())
}

func waitForEvent(events chan event) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case TickMsg:
		m.steps = m.counters.steps.Load()
		m.batches = m.counters.batchesDone.Load()
		m.skipped = m.counters.batchesSkip.Load()
		m.rows = m.counters.rows.Load()
		m.solved = m.counters.solved.Load()
		return m, tickCmd()
	case event:
		line := fmt.Sprintf("shard %d: %s", msg.Shard, msg.Text)
		m.recent = append([]string{line}, m.recent...)
		if len(m.recent) > 10 {
			m.recent = m.recent[:10]
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m model) View() string {
	duration := time.Since(m.startTime)
	stepsPerSec := 0.0
	if duration.Seconds() >= 1 {
		stepsPerSec = float64(m.steps) / duration.Seconds()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Batches:        %d/%d (skipped %d)\n", m.batches+m.skipped, m.total, m.skipped)
	fmt.Fprintf(&b, "Solved:         %d\n", m.solved)
	fmt.Fprintf(&b, "Rows Written:   %d\n", m.rows)
	fmt.Fprintf(&b, "Steps:          %d\n", m.steps)
	fmt.Fprintf(&b, "Duration:       %s\n", duration.Round(time.Second))
	fmt.Fprintf(&b, "Steps/Sec:      %.2f\n", stepsPerSec)
	if m.stats != nil {
		if st, ok := m.stats(); ok {
			fmt.Fprintf(&b, "Batch avg=%.1f last=%d q=%d run avg=%.2fms\n", st.AvgBatchSize, st.LastBatchSize, st.QueueLen, st.AvgRunMs)
		}
	}

	b.WriteString("\nRecent:\n")
	for _, l := range m.recent {
		b.WriteString(l + "\n")
	}

	b.WriteString("\nPress q to quit.\n")
	return b.String()
}
