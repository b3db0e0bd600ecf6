// Package tui is the operator console for the marking daemon. It follows
// the bubbletea Elm shape: one model, messages from a polling command, and
// a pure view over the latest snapshot.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/registry"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

const refreshInterval = 2 * time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Padding(0, 1)
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// JobView is one row of the daemon's /jobs listing.
type JobView struct {
	JobID       string          `json:"job_id"`
	Status      registry.Status `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Client reads the daemon's ingress API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient points a client at the daemon's base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tui: %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Jobs lists the registry snapshot, newest first.
func (c *Client) Jobs() ([]JobView, error) {
	var resp struct {
		Jobs []JobView `json:"jobs"`
	}
	if err := c.getJSON("/jobs", &resp); err != nil {
		return nil, err
	}
	sort.SliceStable(resp.Jobs, func(i, j int) bool {
		return resp.Jobs[i].CreatedAt.After(resp.Jobs[j].CreatedAt)
	})
	return resp.Jobs, nil
}

// PoolHealth reads the sandbox pool snapshot.
func (c *Client) PoolHealth() (sandbox.Health, error) {
	var h sandbox.Health
	err := c.getJSON("/pool/health", &h)
	return h, err
}

type refreshMsg struct {
	jobs   []JobView
	health sandbox.Health
	err    error
}

type tickMsg time.Time

// Model holds all console state.
type Model struct {
	client *Client
	jobs   table.Model
	health sandbox.Health
	err    error
	width  int
	ready  bool
}

// NewModel builds the console model for one daemon.
func NewModel(client *Client) Model {
	columns := []table.Column{
		{Title: "Job", Width: 42},
		{Title: "Status", Width: 12},
		{Title: "Age", Width: 8},
		{Title: "Error", Width: 40},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(12))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)
	return Model{client: client, jobs: t}
}

// Init schedules the first poll.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Msg {
	jobs, err := m.client.Jobs()
	if err != nil {
		return refreshMsg{err: err}
	}
	health, err := m.client.PoolHealth()
	if err != nil {
		return refreshMsg{jobs: jobs, err: err}
	}
	return refreshMsg{jobs: jobs, health: health}
}

// Update advances the model for one message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.jobs.SetHeight(max(4, msg.Height-10))

	case tickMsg:
		return m, tea.Batch(m.refresh, tick())

	case refreshMsg:
		m.err = msg.err
		if msg.jobs != nil || msg.err == nil {
			m.ready = true
			m.health = msg.health
			m.jobs.SetRows(jobRows(msg.jobs))
		}
	}

	var cmd tea.Cmd
	m.jobs, cmd = m.jobs.Update(msg)
	return m, cmd
}

func jobRows(jobs []JobView) []table.Row {
	rows := make([]table.Row, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, table.Row{
			job.JobID,
			string(job.Status),
			age(job),
			job.Error,
		})
	}
	return rows
}

func age(job JobView) string {
	end := time.Now()
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	return end.Sub(job.CreatedAt).Round(time.Second).String()
}

// View renders the console.
func (m Model) View() string {
	var b []string
	b = append(b, titleStyle.Render("Marking Console"))
	if m.err != nil {
		b = append(b, errorStyle.Render("daemon unreachable: "+m.err.Error()))
	}
	if !m.ready {
		b = append(b, statusStyle.Render("connecting..."))
		return lipgloss.JoinVertical(lipgloss.Left, b...)
	}
	b = append(b, panelStyle.Render(m.jobs.View()))
	b = append(b, panelStyle.Render(healthView(m.health)))
	b = append(b, statusStyle.Render("q quit · r refresh"))
	return lipgloss.JoinVertical(lipgloss.Left, b...)
}

func healthView(h sandbox.Health) string {
	line := fmt.Sprintf("queue %d/%d", h.QueueDepth, h.QueueLimit)
	for _, sb := range h.Sandboxes {
		line += fmt.Sprintf("  %s:%s", sb.ID, sb.State)
		if sb.Failures > 0 {
			line += fmt.Sprintf("(%d failures)", sb.Failures)
		}
	}
	return line
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run starts the console against the daemon at baseURL and blocks until
// the operator quits.
func Run(baseURL string) error {
	p := tea.NewProgram(NewModel(NewClient(baseURL)), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
