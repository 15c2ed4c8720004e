package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"palaver/client/internal/app"
	"palaver/client/internal/menu"
	"palaver/client/internal/roster"
	"palaver/client/internal/threads"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive terminal client",
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		program := tea.NewProgram(newTUIModel(a), tea.WithAltScreen())
		_, err := program.Run()
		return err
	}),
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

const sidebarWidth = 32

var (
	sidebarStyle  = lipgloss.NewStyle().Width(sidebarWidth).BorderStyle(lipgloss.NormalBorder()).BorderRight(true)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	menuStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).Padding(0, 1)
	userStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("249"))
	replyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("150"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
)

type threadsReloadedMsg struct{ err error }

type rosterLoadedMsg struct {
	cards []roster.Card
	err   error
}

type messageSentMsg struct {
	reply string
	err   error
}

type historyMsg struct {
	threadID int64
	messages []threads.Message
	err      error
}

type actionDoneMsg struct{ err error }

// threadAnchor positions the context menu against a sidebar row. The row
// disappears from the layout when the thread is no longer listed, which
// closes the menu on the next relayout.
type threadAnchor struct {
	model    *tuiModel
	threadID int64
}

func (a threadAnchor) ID() string { return "thread-" + strconv.FormatInt(a.threadID, 10) }

func (a threadAnchor) Bounds() (menu.Rect, bool) {
	for i, thread := range a.model.threadList {
		if thread.ID == a.threadID {
			return menu.Rect{X: 0, Y: i + 1, W: sidebarWidth, H: 1}, true
		}
	}
	return menu.Rect{}, false
}

type tuiModel struct {
	app    *app.App
	width  int
	height int

	threadList []threads.Thread
	cards      []roster.Card
	cursor     int

	history viewport.Model
	input   textinput.Model
	status  string
	busy    bool
}

func newTUIModel(a *app.App) *tuiModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.Focus()
	return &tuiModel{
		app:     a,
		history: viewport.New(0, 0),
		input:   input,
	}
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(m.reloadThreads(), m.loadRoster())
}

func (m *tuiModel) loadRoster() tea.Cmd {
	return func() tea.Msg {
		cards, err := m.app.Roster.Load(context.Background())
		return rosterLoadedMsg{cards: cards, err: err}
	}
}

func (m *tuiModel) reloadThreads() tea.Cmd {
	return func() tea.Msg {
		return threadsReloadedMsg{err: m.app.Threads.LoadThreads(context.Background())}
	}
}

func (m *tuiModel) loadHistory(id int64) tea.Cmd {
	return func() tea.Msg {
		messages, err := m.app.Threads.Messages(context.Background(), id)
		return historyMsg{threadID: id, messages: messages, err: err}
	}
}

func (m *tuiModel) sendMessage(text string) tea.Cmd {
	threadID := m.app.Threads.SelectedID()
	return func() tea.Msg {
		reply, _, err := m.app.Threads.SendMessage(context.Background(), threadID, text)
		return messageSentMsg{reply: reply, err: err}
	}
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.history.Width = max(0, m.width-sidebarWidth-2)
		m.history.Height = max(0, m.height-4)
		m.app.Menu.Relayout(m.viewportRect())
		return m, nil

	case rosterLoadedMsg:
		if msg.err == nil {
			m.cards = msg.cards
		}
		return m, nil

	case threadsReloadedMsg:
		if msg.err != nil {
			m.status = presentStatus(msg.err)
		}
		m.threadList = m.app.Threads.Threads()
		m.app.Menu.Relayout(m.viewportRect())
		if selected := m.app.Threads.SelectedID(); selected != 0 {
			return m, m.loadHistory(selected)
		}
		return m, nil

	case messageSentMsg:
		m.busy = false
		if msg.err != nil {
			m.status = presentStatus(msg.err)
		} else {
			m.status = ""
		}
		m.threadList = m.app.Threads.Threads()
		m.renderHistoryFromStore()
		return m, nil

	case historyMsg:
		if msg.err == nil && msg.threadID == m.app.Threads.SelectedID() {
			m.renderHistory(msg.messages)
		}
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.status = presentStatus(msg.err)
		}
		return m, m.reloadThreads()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if msg.String() == "q" && m.input.Focused() {
			break
		}
		return m, tea.Quit

	case "esc":
		if m.app.Menu.IsOpen() {
			m.app.Menu.Close()
			return m, nil
		}
		m.input.Blur()
		return m, nil

	case "up", "down":
		if m.input.Focused() {
			break
		}
		if msg.String() == "up" && m.cursor > 0 {
			m.cursor--
		}
		if msg.String() == "down" && m.cursor < len(m.threadList)-1 {
			m.cursor++
		}
		return m, nil

	case "enter":
		if m.app.Menu.IsOpen() {
			return m, func() tea.Msg {
				return actionDoneMsg{err: m.app.Menu.RunPrimary(context.Background())}
			}
		}
		if m.input.Focused() {
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.busy {
				return m, nil
			}
			m.input.SetValue("")
			m.busy = true
			m.status = "sending…"
			return m, m.sendMessage(text)
		}
		if m.cursor < len(m.threadList) {
			id := m.threadList[m.cursor].ID
			m.app.Threads.SelectThread(context.Background(), id)
			return m, m.loadHistory(id)
		}
		return m, nil

	case "x":
		if m.app.Menu.IsOpen() {
			return m, func() tea.Msg {
				return actionDoneMsg{err: m.app.Menu.RunDestructive(context.Background())}
			}
		}

	case "i":
		if !m.input.Focused() {
			m.input.Focus()
			return m, nil
		}

	case "m":
		if m.input.Focused() {
			break
		}
		if m.cursor < len(m.threadList) {
			thread := m.threadList[m.cursor]
			m.app.Menu.Open(threadAnchor{model: m, threadID: thread.ID}, menu.Size{W: 20, H: 4}, m.viewportRect(), menu.Callbacks{
				OnPrimary: func(ctx context.Context) error {
					m.app.Threads.SelectThread(ctx, thread.ID)
					return nil
				},
				OnDestructive: func(ctx context.Context) error {
					return m.app.Threads.DeleteThread(ctx, thread.ID)
				},
			})
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *tuiModel) viewportRect() menu.Rect {
	return menu.Rect{X: 0, Y: 0, W: max(m.width, 1), H: max(m.height, 1)}
}

func (m *tuiModel) renderHistoryFromStore() {
	selected := m.app.Threads.SelectedID()
	for _, thread := range m.threadList {
		if thread.ID == selected {
			m.renderHistory(thread.Messages)
			return
		}
	}
}

func (m *tuiModel) renderHistory(messages []threads.Message) {
	var b strings.Builder
	for _, message := range messages {
		if message.Role == threads.RoleAssistant {
			b.WriteString(replyStyle.Render("palaver: "+message.Content) + "\n")
		} else {
			b.WriteString(userStyle.Render("you: "+message.Content) + "\n")
		}
	}
	m.history.SetContent(b.String())
	m.history.GotoBottom()
}

func (m *tuiModel) View() string {
	var rows []string
	mode := "guest"
	if m.app.Session.Authenticated() {
		mode = "authenticated"
	}
	rows = append(rows, dimStyle.Render("palaver · "+mode))

	selected := m.app.Threads.SelectedID()
	for i, thread := range m.threadList {
		title := thread.Title
		if thread.Provisional {
			title = title + " …"
		}
		line := fmt.Sprintf("%-*.*s", sidebarWidth-2, sidebarWidth-2, title)
		if thread.ID == selected {
			line = "* " + line[2:]
		}
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		rows = append(rows, line)
	}

	if _, ok := m.app.Menu.Frame(); ok && m.cursor < len(m.threadList) {
		rows = append(rows, menuStyle.Render("enter open\nx delete\nesc close"))
	}

	if len(m.cards) > 0 {
		rows = append(rows, "", dimStyle.Render("roster"))
		for _, card := range m.cards {
			rows = append(rows, dimStyle.Render("  "+card.Name))
		}
	}

	sidebar := sidebarStyle.Height(max(1, m.height-3)).Render(strings.Join(rows, "\n"))
	chat := lipgloss.JoinVertical(lipgloss.Left,
		m.history.View(),
		m.input.View(),
		statusStyle.Render(m.status),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, sidebar, chat)
}

func presentStatus(err error) string {
	if presented := presentError(err); presented != nil {
		return presented.Error()
	}
	return ""
}
