package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tickMsg drives the periodic refresh, the same tea.Tick-in-a-loop pattern
// the teacher's dashboard uses for its own auto-refresh.
type tickMsg time.Time

// snapshotMsg carries a completed Fetch result back into Update.
type snapshotMsg Snapshot

// Model is the dashboard's Bubble Tea model.
type Model struct {
	title           string
	width           int
	height          int
	refreshInterval time.Duration

	fetcher *Fetcher
	spinner spinner.Model
	styles  *Styles

	snapshot  Snapshot
	haveData  bool
	startedAt time.Time
	quitting  bool
}

// Config tunes the dashboard's refresh cadence and title.
type Config struct {
	Title           string
	RefreshInterval time.Duration
}

// DefaultConfig returns a 2s refresh cadence, matching the command poller's
// own tick interval so the dashboard never looks staler than the system it
// watches.
func DefaultConfig() Config {
	return Config{Title: "ingest monitor", RefreshInterval: 2 * time.Second}
}

// NewModel builds a dashboard Model over fetcher.
func NewModel(cfg Config, fetcher *Fetcher) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultConfig().RefreshInterval
	}
	if cfg.Title == "" {
		cfg.Title = DefaultConfig().Title
	}

	return &Model{
		title:           cfg.Title,
		refreshInterval: cfg.RefreshInterval,
		fetcher:         fetcher,
		spinner:         sp,
		styles:          DefaultStyles(),
		startedAt:       time.Now(),
	}
}

// Init kicks off the spinner, the refresh ticker, and an immediate first
// fetch so the dashboard isn't blank on launch.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickEvery(m.refreshInterval), m.fetch())
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return snapshotMsg(m.fetcher.Fetch(ctx))
	}
}

// Update handles incoming Bubble Tea messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickEvery(m.refreshInterval), m.fetch())

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		m.haveData = true
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the dashboard.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Title.Render(m.title))
	b.WriteString("\n")

	if !m.haveData {
		fmt.Fprintf(&b, "%s loading...\n", m.spinner.View())
		return b.String()
	}

	b.WriteString(m.renderSummary())
	b.WriteString("\n")
	b.WriteString(m.renderErrors())
	b.WriteString("\n")
	b.WriteString(m.styles.Help.Render("r: refresh now   q: quit"))
	return b.String()
}

func (m *Model) renderSummary() string {
	var b strings.Builder
	b.WriteString(m.styles.SectionHead.Render("system"))
	b.WriteString("\n")

	fmt.Fprintf(&b, "%s in-flight assemblies: %d\n", m.styles.StatusIcon("assembling"), m.snapshot.InFlight)
	fmt.Fprintf(&b, "%s queued commands: %d\n", m.styles.StatusIcon("queued"), m.snapshot.QueuedCommands)

	for _, status := range []string{"assembling", "success", "failed"} {
		fmt.Fprintf(&b, "%s captures %s: %d\n", m.styles.StatusIcon(status), status, m.snapshot.CapturesByStat[status])
	}
	if m.snapshot.Err != nil {
		b.WriteString(m.styles.Error.Render(fmt.Sprintf("last refresh error: %v", m.snapshot.Err)))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "last refresh: %s ago\n", FormatDuration(time.Since(m.snapshot.FetchedAt)))
	return b.String()
}

func (m *Model) renderErrors() string {
	var b strings.Builder
	b.WriteString(m.styles.SectionHead.Render("recent errors"))
	b.WriteString("\n")

	if len(m.snapshot.RecentErrors) == 0 {
		b.WriteString(m.styles.Muted.Render("none"))
		b.WriteString("\n")
		return b.String()
	}

	for _, e := range m.snapshot.RecentErrors {
		fmt.Fprintf(&b, "%s %-10s %-22s %s\n",
			m.styles.StatusIcon("failed"),
			e.Code,
			e.DeviceID,
			e.Message,
		)
	}
	return b.String()
}
