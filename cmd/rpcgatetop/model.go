package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/arcrelay/rpcgate/internal/stats"
	"github.com/arcrelay/rpcgate/pkg/format"
)

const pollInterval = 2 * time.Second

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

type statsMsg struct {
	rows []stats.EndpointStatisticsRow
	err  error
}

type healthMsg struct {
	healthy bool
	err     error
}

type tickMsg time.Time

type model struct {
	client  *http.Client
	baseURL string

	tbl table.Model

	healthy     bool
	lastErr     error
	lastUpdated time.Time
}

func newModel(baseURL string) model {
	columns := []table.Column{
		{Title: "Endpoint", Width: 40},
		{Title: "Total", Width: 8},
		{Title: "OK", Width: 8},
		{Title: "Failed", Width: 8},
		{Title: "Limited", Width: 8},
		{Title: "Avg", Width: 8},
		{Title: "Last Seen", Width: 12},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(false), table.WithHeight(15))
	style := table.DefaultStyles()
	style.Header = style.Header.Bold(true)
	t.SetStyles(style)

	return model{
		client:  &http.Client{Timeout: 3 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		tbl:     t,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchStats(), m.fetchHealth(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) fetchStats() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.baseURL + "/stats")
		if err != nil {
			return statsMsg{err: err}
		}
		defer resp.Body.Close()

		var rows []stats.EndpointStatisticsRow
		if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
			return statsMsg{err: err}
		}
		return statsMsg{rows: rows}
	}
}

func (m model) fetchHealth() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.baseURL + "/health")
		if err != nil {
			return healthMsg{err: err}
		}
		defer resp.Body.Close()
		return healthMsg{healthy: resp.StatusCode == http.StatusOK}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetchStats(), m.fetchHealth(), tick())
	case statsMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.tbl.SetRows(rowsToTable(msg.rows))
			m.lastUpdated = time.Now()
		}
	case healthMsg:
		if msg.err == nil {
			m.healthy = msg.healthy
		}
	}

	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	return m, cmd
}

func rowsToTable(rows []stats.EndpointStatisticsRow) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		lastSeen := "never"
		if r.LastRequestAt != nil {
			lastSeen = format.TimeAgo(*r.LastRequestAt)
		}
		out = append(out, table.Row{
			r.URL,
			fmt.Sprintf("%d", r.Total),
			fmt.Sprintf("%d", r.Successful),
			fmt.Sprintf("%d", r.Failed),
			fmt.Sprintf("%d", r.RateLimited),
			format.Latency(int64(r.AvgResponseTimeMs)),
			lastSeen,
		})
	}
	return out
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("rpcgatetop") + dimStyle.Render("  live endpoint dashboard") + "\n\n")

	status := okStyle.Render("HEALTHY")
	if !m.healthy {
		status = badStyle.Render("UNAVAILABLE")
	}
	b.WriteString(fmt.Sprintf("gateway: %s   updated: %s\n\n", status, dimStyle.Render(format.TimeAgo(m.lastUpdated))))

	if m.lastErr != nil {
		b.WriteString(badStyle.Render(fmt.Sprintf("poll error: %v", m.lastErr)) + "\n\n")
	}

	b.WriteString(m.tbl.View() + "\n")
	b.WriteString(dimStyle.Render("\nq to quit"))

	return b.String()
}
