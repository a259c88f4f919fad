// Package dashboard renders a live terminal view of a mirroring session.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/devicemirror/pkg/mirror"
)

const historySize = 40

// Source is the view of a session the dashboard polls.
type Source interface {
	ID() string
	Info() mirror.StreamInfo
	Mode() mirror.Mode
	Stats() mirror.Stats
	Err() error
}

type tickMsg time.Time

// Model is the bubbletea model of the dashboard.
type Model struct {
	current  func() Source
	interval time.Duration
	now      func() time.Time

	width    int
	height   int
	quitting bool

	src       Source
	stats     mirror.Stats
	lastErr   error
	polledAt  time.Time
	fps       float64
	history   []float64
	lastCount uint64
}

// New creates a dashboard polling the session returned by current every
// interval. current may return nil between sessions.
func New(current func() Source, interval time.Duration) *Model {
	return &Model{
		current:  current,
		interval: interval,
		now:      time.Now,
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	m.poll()
	return tick(m.interval)
}

// Update implements tea.Model.
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
			m.history = nil
			return m, nil
		}

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		m.poll()
		return m, tick(m.interval)
	}
	return m, nil
}

// poll samples the session and derives the publish rate.
func (m *Model) poll() {
	src := m.current()
	now := m.now()

	if src == nil {
		m.src = nil
		return
	}
	if m.src == nil || src.ID() != m.src.ID() {
		m.history = nil
		m.polledAt = time.Time{}
		m.fps = 0
	}
	m.src = src
	m.stats = src.Stats()
	m.lastErr = src.Err()

	if !m.polledAt.IsZero() {
		if elapsed := now.Sub(m.polledAt).Seconds(); elapsed > 0 {
			m.fps = float64(m.stats.FramesPublished-m.lastCount) / elapsed
			m.history = append(m.history, m.fps)
			if len(m.history) > historySize {
				m.history = m.history[len(m.history)-historySize:]
			}
		}
	}
	m.polledAt = now
	m.lastCount = m.stats.FramesPublished
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return "Closing dashboard...\n"
	}

	width := m.width
	if width == 0 {
		width = 80
	}

	header := headerStyle.Width(width).Render("devicemirror")
	if m.src == nil {
		return lipgloss.JoinVertical(lipgloss.Left,
			header,
			panelStyle.Render(labelStyle.Render("Waiting for a mirroring session...")),
			helpStyle.Render("q quit"),
		)
	}

	info := m.src.Info()
	session := panelStyle.Render(strings.Join([]string{
		row("Device", info.DeviceName),
		row("Codec", info.Codec.String()),
		row("Size", info.Size()),
		row("Mode", m.src.Mode().String()),
		labelStyle.Render(fmt.Sprintf("%-10s", "State")) + stateStyle(m.stats.State).Render(m.stats.State),
		row("Uptime", m.uptime()),
	}, "\n"))

	counters := panelStyle.Render(strings.Join([]string{
		row("Packets", fmt.Sprintf("%d", m.stats.Packets)),
		row("Received", formatBytes(m.stats.Bytes)),
		row("Frames", fmt.Sprintf("%d", m.stats.FramesPublished)),
		row("Replaced", fmt.Sprintf("%d", m.stats.FramesOverwritten)),
		row("Corrupt", fmt.Sprintf("%d", m.stats.CorruptUnits)),
		row("Pre-config", fmt.Sprintf("%d", m.stats.DroppedBeforeConfig)),
	}, "\n"))

	sparkWidth := width - 20
	if sparkWidth < 10 {
		sparkWidth = 10
	}
	rate := panelStyle.Render(
		row("Frame rate", fmt.Sprintf("%.1f fps", m.fps)) + "\n" +
			lipgloss.NewStyle().Foreground(Success).Render(renderSparkline(m.history, sparkWidth)),
	)

	sections := []string{header, lipgloss.JoinHorizontal(lipgloss.Top, session, " ", counters), rate}
	if m.lastErr != nil {
		sections = append(sections, lipgloss.NewStyle().Foreground(Danger).Render("Error: "+m.lastErr.Error()))
	}
	sections = append(sections, helpStyle.Render("q quit | r reset graph"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) uptime() string {
	if m.stats.StartedAt.IsZero() {
		return "-"
	}
	return m.now().Sub(m.stats.StartedAt).Truncate(time.Second).String()
}

func row(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-10s", label)) + valueStyle.Render(value)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// renderSparkline scales data into block characters spanning width cells.
func renderSparkline(data []float64, width int) string {
	if len(data) == 0 {
		return strings.Repeat("▁", width)
	}

	minVal, maxVal := data[0], data[0]
	for _, v := range data {
		minVal = min(minVal, v)
		maxVal = max(maxVal, v)
	}
	if maxVal == minVal {
		return strings.Repeat("▄", width)
	}

	sparkChars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	var b strings.Builder
	for i := 0; i < width; i++ {
		idx := i * len(data) / width
		level := int((data[idx] - minVal) / (maxVal - minVal) * 7)
		b.WriteRune(sparkChars[min(level, 7)])
	}
	return b.String()
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, m *Model) error {
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
