package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// Model renders snapshots delivered by the sampling loop.
type Model struct {
	latest *model.Snapshot
	stream <-chan *model.Snapshot
	stop   func()
	width  int
	height int
}

// New returns a dashboard reading from stream. stop is called when the
// user quits.
func New(stream <-chan *model.Snapshot, stop func()) *Model {
	if stop == nil {
		stop = func() {}
	}
	return &Model{
		stream: stream,
		stop:   stop,
		width:  120,
		height: 40,
	}
}

// Messages
type tickMsg struct{}

func tickCmd() tea.Cmd { return tea.Tick(time.Second/5, func(time.Time) tea.Msg { return tickMsg{} }) }

func (m *Model) Init() tea.Cmd { return tickCmd() }

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.stop()
			return m, tea.Quit
		}
	case tickMsg:
		select {
		case snap, ok := <-m.stream:
			if !ok {
				return m, tea.Quit
			}
			m.latest = snap
		default:
		}
		return m, tickCmd()
	}
	return m, nil
}

// Styles
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	gaugeFill   = "█"
	gaugeEmpty  = "░"
	cardStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("60")).
			Padding(0, 1).
			MarginRight(1)
)

func (m *Model) View() string {
	s := m.latest
	if s == nil {
		return titleStyle.Render("System Monitor") + "  " + subtleStyle.Render("waiting for first sample…")
	}
	header := titleStyle.Render("System Monitor") + "  " +
		subtleStyle.Render(fmt.Sprintf("%s · %s %s · %s",
			s.System.Hostname, s.System.Platform, s.System.Version,
			s.Timestamp.Local().Format("Mon Jan 2 15:04:05 MST 2006")))

	columns := []string{cpuCard(s), memCard(s), ioCard(s)}
	if s.GPU.Available {
		columns = append(columns, gpuCard(s.GPU))
	}
	line1 := lipgloss.JoinHorizontal(lipgloss.Top, columns...)

	row2 := []string{card("Disks", renderDisks(s.Disk, 8))}
	if len(s.Unavailable) > 0 {
		row2 = append(row2, card("Unavailable", renderUnavailable(s.Unavailable, 40)))
	}
	line2 := lipgloss.JoinHorizontal(lipgloss.Top, row2...)

	return lipgloss.JoinVertical(lipgloss.Left, header, line1, line2)
}

func cpuCard(s *model.Snapshot) string {
	lines := []string{optionalGauge(s.CPU.UsagePercent, 28)}
	temp := "temp n/a"
	if s.CPU.Temperature != nil {
		temp = fmt.Sprintf("temp %.1f°C", *s.CPU.Temperature)
		if s.CPU.TemperatureSource != nil {
			temp += subtleStyle.Render(" (" + *s.CPU.TemperatureSource + ")")
		}
	}
	info := fmt.Sprintf("%d cores", s.CPU.Count)
	if s.CPU.FrequencyMHz != nil {
		info += fmt.Sprintf(" @ %.0f MHz", *s.CPU.FrequencyMHz)
	}
	lines = append(lines, temp+"  "+info)
	if s.SystemLoad != nil {
		l := s.SystemLoad
		load := fmt.Sprintf("procs %d (run %d, zombie %d)", l.TotalProcesses, l.RunningProcesses, l.ZombieProcesses)
		if l.LoadAverage != nil {
			load = fmt.Sprintf("load %.2f %.2f %.2f  ", l.LoadAverage.One, l.LoadAverage.Five, l.LoadAverage.Fifteen) + load
		}
		lines = append(lines, load)
	}
	return card("CPU", strings.Join(lines, "\n"))
}

func memCard(s *model.Snapshot) string {
	if s.Memory == nil {
		return card("Memory", warnStyle.Render("unavailable"))
	}
	body := fmt.Sprintf("%s  %.1f/%.1f GiB", gaugeBar(s.Memory.Percent, 28), s.Memory.UsedGB, s.Memory.TotalGB)
	if s.Swap != nil && s.Swap.TotalGB > 0 {
		body += fmt.Sprintf("\nSwap %3.0f%%  %.1f/%.1f GiB", s.Swap.Percent, s.Swap.UsedGB, s.Swap.TotalGB)
	}
	return card("Memory", body)
}

func ioCard(s *model.Snapshot) string {
	lines := []string{fmt.Sprintf("Disk R/W: %s / %s",
		formatRate(s.DiskIO.ReadBytesPerSec), formatRate(s.DiskIO.WriteBytesPerSec))}
	if s.Network != nil {
		lines = append(lines, fmt.Sprintf("Net RX/TX: %s / %s",
			formatRate(s.Network.RecvBytesPerSec), formatRate(s.Network.SentBytesPerSec)))
	} else {
		lines = append(lines, "Net: "+warnStyle.Render("unavailable"))
	}
	return card("IO / NET", strings.Join(lines, "\n"))
}

func gpuCard(g model.GPU) string {
	lines := []string{truncate(g.Name, 32)}
	var parts []string
	if g.Utilization != nil {
		parts = append(parts, fmt.Sprintf("%3.0f%%", *g.Utilization))
	}
	if g.Temperature != nil {
		parts = append(parts, fmt.Sprintf("%2.0f°C", *g.Temperature))
	}
	if g.PowerW != nil {
		parts = append(parts, fmt.Sprintf("%.0fW", *g.PowerW))
	}
	if g.MemoryUsedMB != nil && g.MemoryTotalMB != nil {
		parts = append(parts, fmt.Sprintf("mem:%.0f/%.0fMiB", *g.MemoryUsedMB, *g.MemoryTotalMB))
	}
	if len(parts) > 0 {
		lines = append(lines, strings.Join(parts, " "))
	}
	if g.Source != "" {
		lines = append(lines, subtleStyle.Render("via "+g.Source))
	}
	return card("GPU", strings.Join(lines, "\n"))
}

// Helpers
func gaugeBar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int((pct / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %5.1f%%",
		strings.Repeat(gaugeFill, filled),
		strings.Repeat(gaugeEmpty, width-filled),
		pct)
}

func optionalGauge(pct *float64, width int) string {
	if pct == nil {
		return fmt.Sprintf("[%s]   n/a", strings.Repeat(gaugeEmpty, width))
	}
	return gaugeBar(*pct, width)
}

func card(title, body string) string {
	titleStr := labelStyle.Render(title)
	content := titleStr + "\n" + body
	return cardStyle.Render(content)
}

func renderDisks(disks []model.Disk, limit int) string {
	n := min(limit, len(disks))
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-8s %15s %6s\n", "mount", "fs", "used/total GiB", "use")
	for i := 0; i < n; i++ {
		d := disks[i]
		fmt.Fprintf(&b, "%-20s %-8s %7.1f/%-7.1f %5.1f%%\n",
			truncate(d.Mountpoint, 20), truncate(d.Fstype, 8), d.UsedGB, d.TotalGB, d.Percent)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderUnavailable(reasons map[string]string, width int) string {
	sections := make([]string, 0, len(reasons))
	for section := range reasons {
		sections = append(sections, section)
	}
	sort.Strings(sections)
	rows := make([]string, 0, len(sections))
	for _, section := range sections {
		rows = append(rows, fmt.Sprintf("%-16s %s", section, warnStyle.Render(truncate(reasons[section], width))))
	}
	return strings.Join(rows, "\n")
}

// formatRate renders bytes per second with a binary unit, or n/a.
func formatRate(v *float64) string {
	if v == nil {
		return "n/a"
	}
	units := []string{"B/s", "KiB/s", "MiB/s", "GiB/s"}
	r := *v
	i := 0
	for r >= 1024 && i < len(units)-1 {
		r /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", r, units[i])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Run starts the Bubble Tea program and blocks until the user quits or
// stream closes.
func Run(stream <-chan *model.Snapshot, stop func()) error {
	prog := tea.NewProgram(New(stream, stop), tea.WithAltScreen())
	_, err := prog.Run()
	return err
}
