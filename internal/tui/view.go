package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chatsync/internal/chat"
	"chatsync/internal/session"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	pendingBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	failedMarkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (m *Model) View() string {
	switch m.mode {
	case modeMenu:
		return m.renderMenuView()
	case modeNamePrompt:
		return m.renderPrompt("Choose a display name", "Press Enter to continue, Esc to go back.")
	case modeJoinPrompt:
		return m.renderPrompt("Join a room", "Enter a room key and press Enter.")
	default:
		return m.renderChatView()
	}
}

func (m *Model) renderMenuView() string {
	title := appTitleStyle.Render("chatsync")
	subtitle := subtitleStyle.Render("Rooms that stay in sync, from your terminal")

	options := []string{
		renderMenuOption("1", "Join a room"),
		renderMenuOption("2", "Create a room"),
		renderMenuOption("q", "Quit"),
	}

	sections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if notices := m.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, menuHintStyle.Render("1) Join  •  2) Create  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderPrompt(title, hint string) string {
	sections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if notices := m.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputBoxStyle.Render(m.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderChatView() string {
	segments := []string{"chatsync", fmt.Sprintf("Room %s", m.roomID), fmt.Sprintf("User %s", m.username)}
	if m.opts.ServerURL != "" {
		segments = append(segments, fmt.Sprintf("Server %s", m.opts.ServerURL))
	}
	header := chatHeaderStyle.Render(strings.Join(segments, dividerStyle))

	var lines []string
	for _, msg := range m.visibleMessages() {
		lines = append(lines, m.renderChatMessage(msg))
	}
	if len(lines) == 0 {
		lines = append(lines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	sections := []string{header, m.statusLine(), messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))}
	if notices := m.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections,
		inputBoxStyle.Render(m.textInput.View()),
		menuHintStyle.Render("/retry [id] resend  •  /older or PgUp history  •  Esc or /leave menu  •  /quit exit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) statusLine() string {
	if m.lastErr != nil && m.state != session.StateActive {
		return errorStyle.Render(fmt.Sprintf("%s: %v", m.state, m.lastErr))
	}
	switch m.state {
	case session.StateActive:
		if m.lastErr != nil {
			return connectedStyle.Render("Connected") + " " + errorStyle.Copy().UnsetMarginTop().Render(m.lastErr.Error())
		}
		return connectedStyle.Render("Connected")
	case session.StateJoining:
		return connectingStyle.Render("Joining…")
	case session.StateReconnecting:
		return connectingStyle.Render("Reconnecting…")
	}
	return connectingStyle.Render("Connecting…")
}

// visibleMessages keeps the tail that fits the terminal.
func (m *Model) visibleMessages() []chat.Message {
	if m.height <= 0 {
		return m.messages
	}
	room := max(m.height-16, 5)
	if len(m.messages) <= room {
		return m.messages
	}
	return m.messages[len(m.messages)-room:]
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (m *Model) renderNotices() string {
	if len(m.notices) == 0 {
		return ""
	}
	var lines []string
	for _, n := range m.notices {
		lines = append(lines, systemMessageStyle.Render(n))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// renderChatMessage renders a single log line: local time, a colored sender
// and the body, with a marker for entries the relay has not confirmed.
func (m *Model) renderChatMessage(msg chat.Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", msg.SentAt.Local().Format("15:04:05")))

	nameStyle := usernameStyle.Copy().Foreground(colorForUser(msg.SenderID))
	if msg.SenderID == m.username {
		nameStyle = activeUserStyle
	}
	name := nameStyle.Render(msg.SenderID)

	text := msg.Content
	switch msg.Type {
	case chat.TypeImage:
		text = "[image] " + text
	case chat.TypeFile:
		text = "[file] " + text
	}
	text = strings.ReplaceAll(text, "\n", "\n   ")

	var body string
	switch msg.State {
	case chat.StatePending:
		body = pendingBodyStyle.Render(text + " …")
	case chat.StateFailed:
		body = messageBodyStyle.Render(text) + " " + failedMarkStyle.Render(fmt.Sprintf("✗ not sent (/retry %s)", msg.ID))
	default:
		body = messageBodyStyle.Render(text)
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", body)
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
