// Package tui is the terminal front end: an editable table of rows and keys
// that apply them, start and stop the module.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/orbitando/orbital-host/internal/bridge"
	"github.com/orbitando/orbital-host/internal/scene"
	"github.com/orbitando/orbital-host/pkg/protocol"
)

const refreshInterval = 500 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Width(10)

	cellStyle = lipgloss.NewStyle().
			Width(10)

	labelStyle = lipgloss.NewStyle().
			Width(8)

	focusedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

var columns = [...]string{"rx", "ry", "w", "s"}

// Controller is what the terminal front end drives.
type Controller interface {
	Apply(ctx context.Context, rows []bridge.RowFields) (int32, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) protocol.Status
}

type row [len(columns)]textinput.Model

type model struct {
	ctx  context.Context
	ctrl Controller

	rows     []row
	focusRow int
	focusCol int

	status  protocol.Status
	message string
	err     error
}

type appliedMsg struct {
	code int32
	err  error
}

type actionMsg struct {
	op  string
	err error
}

// statusMsg carries a periodic status and re-arms the ticker.
type statusMsg protocol.Status

// refreshedMsg carries a one-shot status fetched after an action.
type refreshedMsg protocol.Status

type tickMsg struct{}

func newModel(ctx context.Context, ctrl Controller, fields []bridge.RowFields) *model {
	m := &model{ctx: ctx, ctrl: ctrl}
	for _, f := range fields {
		m.rows = append(m.rows, newRow(f))
	}
	if len(m.rows) == 0 {
		m.rows = append(m.rows, newRow(scene.DefaultRow(0)))
	}
	m.focus(0, 0)
	return m
}

func newRow(f bridge.RowFields) row {
	var r row
	for i, v := range [...]string{f.RX, f.RY, f.W, f.S} {
		ti := textinput.New()
		ti.Prompt = ""
		ti.Placeholder = columns[i]
		ti.CharLimit = 16
		ti.Width = 8
		ti.SetValue(v)
		r[i] = ti
	}
	return r
}

// Fields returns the current text of every row.
func (m *model) Fields() []bridge.RowFields {
	fields := make([]bridge.RowFields, len(m.rows))
	for i, r := range m.rows {
		fields[i] = bridge.RowFields{
			RX: r[0].Value(),
			RY: r[1].Value(),
			W:  r[2].Value(),
			S:  r[3].Value(),
		}
	}
	return fields
}

func (m *model) focus(r, c int) {
	m.rows[m.focusRow][m.focusCol].Blur()
	m.focusRow, m.focusCol = r, c
	m.rows[r][c].Focus()
}

// move shifts the focus by delta cells, wrapping around the table.
func (m *model) move(delta int) {
	cells := len(m.rows) * len(columns)
	idx := (m.focusRow*len(columns) + m.focusCol + delta + cells) % cells
	m.focus(idx/len(columns), idx%len(columns))
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.refresh)
}

func (m *model) refresh() tea.Msg {
	return statusMsg(m.ctrl.Status(m.ctx))
}

func (m *model) refreshOnce() tea.Msg {
	return refreshedMsg(m.ctrl.Status(m.ctx))
}

func (m *model) apply() tea.Cmd {
	fields := m.Fields()
	return func() tea.Msg {
		code, err := m.ctrl.Apply(m.ctx, fields)
		return appliedMsg{code: code, err: err}
	}
}

func (m *model) action(op string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{op: op, err: fn(m.ctx)}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m, m.apply()
		case "ctrl+s":
			return m, m.action("start", m.ctrl.Start)
		case "ctrl+x":
			return m, m.action("stop", m.ctrl.Stop)
		case "ctrl+n":
			if len(m.rows) < scene.MaxRows {
				m.rows = append(m.rows, newRow(scene.DefaultRow(len(m.rows))))
				m.focus(len(m.rows)-1, 0)
			}
			return m, nil
		case "ctrl+d":
			if len(m.rows) > 1 {
				m.rows[m.focusRow][m.focusCol].Blur()
				m.rows = m.rows[:len(m.rows)-1]
				m.focusRow = min(m.focusRow, len(m.rows)-1)
				m.focus(m.focusRow, m.focusCol)
			}
			return m, nil
		case "tab":
			m.move(1)
			return m, nil
		case "shift+tab":
			m.move(-1)
			return m, nil
		case "down":
			m.move(len(columns))
			return m, nil
		case "up":
			m.move(-len(columns))
			return m, nil
		}

	case appliedMsg:
		m.err = msg.err
		if msg.err == nil {
			m.message = fmt.Sprintf("applied %d rows (status %d)", len(m.rows), msg.code)
		}
		return m, m.refreshOnce

	case actionMsg:
		m.err = msg.err
		if msg.err == nil {
			m.message = msg.op + " ok"
		}
		return m, m.refreshOnce

	case statusMsg:
		m.status = protocol.Status(msg)
		return m, tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })

	case refreshedMsg:
		m.status = protocol.Status(msg)
		return m, nil

	case tickMsg:
		return m, m.refresh
	}

	var cmd tea.Cmd
	m.rows[m.focusRow][m.focusCol], cmd = m.rows[m.focusRow][m.focusCol].Update(msg)
	return m, cmd
}

func (m *model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Orbital"))
	b.WriteString(" ")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	b.WriteString(labelStyle.Render(""))
	for _, c := range columns {
		b.WriteString(headerStyle.Render(c))
	}
	b.WriteString("\n")

	for i, r := range m.rows {
		label := fmt.Sprintf("Obj %d", i+1)
		if i == m.focusRow {
			label = focusedStyle.Render(label)
		}
		b.WriteString(labelStyle.Render(label))
		for _, in := range r {
			b.WriteString(cellStyle.Render(in.View()))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	case m.message != "":
		b.WriteString(resultStyle.Render(m.message))
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("tab/up/down move • enter apply • ctrl+s start • ctrl+x stop • ctrl+n add • ctrl+d remove • esc quit"))

	return b.String()
}

func (m *model) statusLine() string {
	s := m.status
	if s.Readiness == "" {
		return "starting..."
	}
	line := s.Readiness
	if s.Module != "" {
		line += " · " + s.Module
	}
	if s.Stats != nil {
		state := "stopped"
		if s.Stats.Running {
			state = "running"
		}
		line += fmt.Sprintf(" · %d bodies · %s · %dx%d",
			s.Stats.Bodies, state, s.Stats.CanvasWidth, s.Stats.CanvasHeight)
	}
	return line
}

// Run shows the terminal front end until the user quits or ctx is done.
func Run(ctx context.Context, ctrl Controller, rows []bridge.RowFields) error {
	p := tea.NewProgram(newModel(ctx, ctrl, rows), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
