package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	okserial "github.com/egnor/ok-go-serial"
)

// maxScrollback bounds how much received text the terminal view retains.
const maxScrollback = 256 * 1024

// readPoll is how long each background read waits before yielding back to
// the event loop, keeping quit latency low on a silent port.
const readPoll = 200 * time.Millisecond

type connectedMsg struct{ conn *okserial.Conn }
type dataMsg struct{ data []byte }
type lostMsg struct{ err error }
type connectFailedMsg struct{ err error }
type retryMsg struct{}

// Model is an interactive serial terminal: a scrollback viewport over a
// tracked connection, with a line input for sending. The tracker keeps the
// session alive across device resets.
type Model struct {
	tracker *okserial.Tracker
	title   string

	keys  keyMap
	help  help.Model
	vp    viewport.Model
	input textinput.Model

	conn    *okserial.Conn
	err     error
	content strings.Builder
	ready   bool
	width   int
	height  int
}

// NewModel prepares a terminal session over the given tracker. The tracker
// remains owned by the caller and should be closed after the program exits.
func NewModel(tracker *okserial.Tracker, title string) *Model {
	input := textinput.New()
	input.Placeholder = "type a line and press enter"
	input.Focus()

	return &Model{
		tracker: tracker,
		title:   title,
		keys:    defaultKeyMap(),
		help:    help.New(),
		input:   input,
	}
}

// Run drives the terminal session until the user quits.
func Run(tracker *okserial.Tracker, title string) error {
	program := tea.NewProgram(NewModel(tracker, title), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, connectCmd(m.tracker))
}

// connectCmd blocks in the background until the tracker produces a healthy
// connection.
func connectCmd(tracker *okserial.Tracker) tea.Cmd {
	return func() tea.Msg {
		conn, err := tracker.ConnectSync(okserial.Forever)
		if err != nil {
			return connectFailedMsg{err}
		}
		return connectedMsg{conn}
	}
}

// readCmd waits briefly for incoming data; an empty dataMsg just loops.
func readCmd(conn *okserial.Conn) tea.Cmd {
	return func() tea.Msg {
		data, err := conn.ReadSync(readPoll)
		if err != nil {
			return lostMsg{err}
		}
		return dataMsg{data}
	}
}

func retryCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return retryMsg{} })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Clear):
			m.content.Reset()
			m.vp.SetContent("")
			return m, nil
		case key.Matches(msg, m.keys.Send):
			m.sendLine()
			return m, nil
		}

	case connectedMsg:
		m.conn = msg.conn
		m.err = nil
		m.appendEvent("connected to " + msg.conn.Name())
		return m, readCmd(m.conn)

	case connectFailedMsg:
		m.err = msg.err
		return m, retryCmd()

	case retryMsg:
		return m, connectCmd(m.tracker)

	case dataMsg:
		m.appendData(msg.data)
		if m.conn != nil {
			return m, readCmd(m.conn)
		}
		return m, nil

	case lostMsg:
		if m.conn != nil {
			m.appendEvent(fmt.Sprintf("lost %s: %v", m.conn.Name(), msg.err))
		}
		m.conn = nil
		return m, connectCmd(m.tracker)
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) sendLine() {
	if m.conn == nil {
		return
	}
	line := m.input.Value()
	m.input.Reset()
	if err := m.conn.Write([]byte(line + "\r\n")); err != nil {
		m.appendEvent(fmt.Sprintf("send failed: %v", err))
	}
}

func (m *Model) layout() {
	chrome := 1 + 3 + 1 // title, input box, status line
	vpHeight := m.height - chrome
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.vp = viewport.New(m.width, vpHeight)
		m.ready = true
	} else {
		m.vp.Width = m.width
		m.vp.Height = vpHeight
	}
	m.input.Width = m.width - 6
	m.vp.SetContent(contentStyle.Render(m.content.String()))
	m.vp.GotoBottom()
}

func (m *Model) appendData(data []byte) {
	if len(data) == 0 {
		return
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	m.appendText(text)
}

func (m *Model) appendEvent(event string) {
	stamp := time.Now().Format("15:04:05.000")
	m.appendText(fmt.Sprintf("\n[%s %s]\n", stamp, event))
}

func (m *Model) appendText(text string) {
	m.content.WriteString(text)
	if m.content.Len() > maxScrollback {
		trimmed := m.content.String()
		trimmed = trimmed[len(trimmed)-maxScrollback:]
		m.content.Reset()
		m.content.WriteString(trimmed)
	}
	if m.ready {
		atBottom := m.vp.AtBottom()
		m.vp.SetContent(contentStyle.Render(m.content.String()))
		if atBottom {
			m.vp.GotoBottom()
		}
	}
}

func (m *Model) View() string {
	if !m.ready {
		return "starting..."
	}

	title := titleStyle.Render("okserial " + m.title)
	var status string
	switch {
	case m.conn != nil:
		status = statusConnectedStyle.Render("● " + m.conn.Name())
	case m.err != nil:
		status = statusErrorStyle.Render("✗ " + m.err.Error())
	default:
		status = statusWaitingStyle.Render("… waiting for port")
	}

	statusLine := lipgloss.JoinHorizontal(lipgloss.Left,
		status, "  ", helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.vp.View(),
		inputStyle.Width(m.width-2).Render(m.input.View()),
		statusLine,
	)
}
