package tui

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/crewkit/crew/internal/engine"
	"github.com/crewkit/crew/internal/models"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewOutput
)

type App struct {
	engine *engine.Engine

	view        View
	runs        []*models.Run
	selectedIdx int

	selectedRun     *models.Run
	decisions       []*models.Decision
	reports         map[string]*models.Report
	nodeList        []*models.Node
	selectedNodeIdx int

	output viewport.Model

	width  int
	height int
	err    error
}

func NewApp(eng *engine.Engine) *App {
	return &App{
		engine: eng,
		view:   ViewRunList,
		output: viewport.New(80, 24),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = msg.Height - 4
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		return a, nil

	case tickMsg:
		switch a.view {
		case ViewRunList:
			if a.hasRunningRuns() {
				return a, tea.Batch(a.loadRuns, a.tickCmd())
			}
		case ViewRunDetail:
			if a.selectedRun != nil && !a.selectedRun.Status.Terminal() {
				return a, tea.Batch(a.loadRunDetail(a.selectedRun.ID), a.tickCmd())
			}
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.decisions = msg.decisions
			a.reports = msg.reports
			a.nodeList = msg.run.Nodes()
			a.view = ViewRunDetail
		}
		return a, nil

	case runKilledMsg:
		a.err = msg.err
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.runs)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadRuns

	case outputLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.output.SetContent(msg.content)
			a.output.GotoBottom()
			a.view = ViewOutput
		}
		return a, nil
	}

	if a.view == ViewOutput {
		var cmd tea.Cmd
		a.output, cmd = a.output.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.loadRunDetail(a.runs[a.selectedIdx].ID)
		}

	case "r":
		return a, a.loadRuns

	case "x":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.killRun(a.runs[a.selectedIdx].ID)
		}

	case "d":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.deleteRun(a.runs[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.decisions = nil
		a.reports = nil
		a.nodeList = nil
		a.selectedNodeIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedNodeIdx > 0 {
			a.selectedNodeIdx--
		}

	case "down", "j":
		if a.selectedNodeIdx < len(a.nodeList)-1 {
			a.selectedNodeIdx++
		}

	case "enter", "o":
		if len(a.nodeList) > 0 && a.selectedNodeIdx < len(a.nodeList) {
			return a, a.loadOutput(a.nodeList[a.selectedNodeIdx])
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.output, cmd = a.output.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusEscalated = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Crew") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with: crew run \"220,221 -> 222\"\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			isSelected := i == a.selectedIdx
			isActive := run.Status == models.RunRunning || run.Status == models.RunEscalated

			if isSelected {
				line = selectedStyle.Render("▶ " + line)
			} else if !isActive {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [x] kill  [d] delete  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := a.formatRunStatus(run.Status)
	age := formatAge(run.CreatedAt)
	expr := truncate(run.Expression, 35)
	return fmt.Sprintf("%-8s %s  %-5s  %s", shortID(run.ID), status, age, expr)
}

func (a *App) formatRunStatus(status models.RunStatus) string {
	switch status {
	case models.RunRunning:
		return statusRunning.Render("● running")
	case models.RunComplete:
		return statusComplete.Render("✓ complete")
	case models.RunFailed:
		return statusFailed.Render("✗ failed")
	case models.RunEscalated:
		return statusEscalated.Render("⚠ escalated")
	case models.RunAborted:
		return dimStyle.Render("■ aborted")
	default:
		return string(status)
	}
}

func (a *App) formatNodeStatus(status models.NodeStatus) string {
	switch status {
	case models.NodeSuccess:
		return statusComplete.Render("✓")
	case models.NodeRunning:
		return statusRunning.Render("●")
	case models.NodeFailed:
		return statusFailed.Render("✗")
	case models.NodeStuck, models.NodeTimeout:
		return statusEscalated.Render("⚠")
	case models.NodeAborted:
		return dimStyle.Render("■")
	default:
		return "○"
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}
	run := a.selectedRun

	header := fmt.Sprintf("Run %s: %s", shortID(run.ID), run.Expression)
	s := titleStyle.Render(header) + "  " + a.formatRunStatus(run.Status) + "\n\n"

	if run.Error != "" {
		s += statusFailed.Render(run.Error) + "\n\n"
	}

	idx := 0
	for _, phase := range run.Phases {
		s += fmt.Sprintf("Phase %d\n", phase.Index)
		for _, n := range phase.Nodes {
			line := fmt.Sprintf("%s %-20s %-10s", a.formatNodeStatus(n.Status), nodeLabel(n), n.Routing.Worker)
			if d := n.Duration(); d > 0 {
				line += "  " + dimStyle.Render(formatDuration(d))
			}
			if rep, ok := a.reports[n.ID]; ok {
				if flags := rep.Escalations(); len(flags) > 0 {
					line += "  " + statusEscalated.Render(string(flags[0].Kind))
				}
			}
			if n.RetryCount > 0 {
				line += "  " + dimStyle.Render(fmt.Sprintf("retry:%d", n.RetryCount))
			}

			if idx == a.selectedNodeIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
			idx++
		}
	}

	if len(a.decisions) > 0 {
		s += "\nDecisions\n"
		s += "─────────\n"
		for _, d := range a.decisions {
			label := fmt.Sprintf("phase %d", d.PhaseIndex)
			if d.PhaseIndex == 0 {
				label = "validate"
			}
			s += fmt.Sprintf("  %-9s %-14s %s\n", label, d.Verdict, dimStyle.Render(d.Justification))
		}
	}

	s += "\n" + labelStyle.Render("Workspaces: ") + dimStyle.Render(a.engine.WorkspaceDir) + "\n"
	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] log  [esc] back  [q] quit")

	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Node Log") + "\n\n"
	s += a.output.View() + "\n"
	s += helpStyle.Render("[↑/↓] scroll  [esc] back  [q] quit")
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run       *models.Run
	decisions []*models.Decision
	reports   map[string]*models.Report
	err       error
}

type runKilledMsg struct {
	runID string
	err   error
}

type runDeletedMsg struct {
	runID string
	err   error
}

type outputLoadedMsg struct {
	content string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.engine.Store.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.engine.Store.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		decisions, err := a.engine.Store.DecisionsForRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		reports, err := a.engine.Store.LatestReports(id)
		return runDetailMsg{run: run, decisions: decisions, reports: reports, err: err}
	}
}

func (a *App) killRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runKilledMsg{runID: id, err: a.engine.KillRun(id)}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runDeletedMsg{runID: id, err: a.engine.DeleteRun(id)}
	}
}

func (a *App) loadOutput(n *models.Node) tea.Cmd {
	return func() tea.Msg {
		if n.LogPath == "" {
			return outputLoadedMsg{content: "(node has not started)"}
		}
		data, err := os.ReadFile(n.LogPath)
		if err != nil {
			return outputLoadedMsg{err: fmt.Errorf("log not available: %w", err)}
		}
		if len(data) == 0 {
			return outputLoadedMsg{content: "(log is empty)"}
		}
		return outputLoadedMsg{content: string(data)}
	}
}

func nodeLabel(n *models.Node) string {
	if n.Name != "" {
		return n.ID + " " + n.Name
	}
	return n.ID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
