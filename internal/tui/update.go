package tui

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"chatsync/internal/chat"
	"chatsync/internal/session"
)

func (m *Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := message.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
		m.textInput.Width = max(msg.Width-8, 10)
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		switch m.mode {
		case modeMenu:
			return m.updateMenu(msg)
		case modeNamePrompt:
			return m.updateNamePrompt(msg)
		case modeJoinPrompt:
			return m.updateJoinPrompt(msg)
		default:
			return m.updateChat(msg)
		}

	case roomOpenedMsg:
		if m.mode != modeChat || m.room != nil || msg.room.RoomID() != m.roomID {
			msg.room.Close()
			return m, nil
		}
		m.room = msg.room
		m.quit = make(chan struct{})
		m.hasMore = true
		m.refresh()
		return m, tea.Batch(joinCmd(m.room), waitForChange(m.room, m.quit))

	case openFailedMsg:
		m.lastErr = msg.err
		m.notice(fmt.Sprintf("Could not connect: %v", msg.err))
		return m, nil

	case joinedMsg:
		if msg.room != m.room {
			return m, nil
		}
		m.refresh()
		if msg.err == nil {
			return m, nil
		}
		if chat.IsRetryable(msg.err) {
			return m, scheduleRejoin(m.room)
		}
		if !errors.Is(msg.err, session.ErrLeft) {
			m.notice(fmt.Sprintf("Join failed: %v", msg.err))
		}
		return m, nil

	case rejoinMsg:
		if msg.room == m.room && m.room != nil && m.room.State() == session.StateJoining {
			return m, joinCmd(m.room)
		}
		return m, nil

	case changedMsg:
		if msg.room != m.room || m.room == nil {
			return m, nil
		}
		m.refresh()
		return m, waitForChange(m.room, m.quit)

	case sentMsg:
		if msg.err != nil {
			m.notice(fmt.Sprintf("Send failed: %v", msg.err))
		}
		m.refresh()
		return m, nil

	case retriedMsg:
		if msg.err != nil {
			m.notice(fmt.Sprintf("Retry of %s failed: %v", msg.tempID, msg.err))
		}
		m.refresh()
		return m, nil

	case olderMsg:
		if msg.err != nil {
			m.notice(fmt.Sprintf("Loading older messages failed: %v", msg.err))
		} else {
			m.hasMore = msg.more
			if !msg.more {
				m.notice("Beginning of the room.")
			}
		}
		m.refresh()
		return m, nil

	case leftMsg:
		m.closeRoom()
		if n := len(msg.failed); n > 0 {
			m.notice(fmt.Sprintf("%d unsent message(s) were dropped.", n))
		}
		if msg.quit {
			return m, tea.Quit
		}
		m.toMenu()
		return m, nil

	case existsMsg:
		if msg.err != nil {
			m.notice(fmt.Sprintf("Error checking room: %v", msg.err))
			return m, nil
		}
		if !msg.exists {
			m.notice("Room not found. Try again or create a room.")
			return m, nil
		}
		return m, m.enterRoom(msg.key)
	}
	return m, nil
}

func (m *Model) updateMenu(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "1", "j", "J":
		m.pending = actionJoin
		return m, m.promptName()
	case "2", "c", "C":
		m.pending = actionCreate
		return m, m.promptName()
	case "q", "Q", "3", "esc":
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) promptName() tea.Cmd {
	m.mode = modeNamePrompt
	m.textInput.SetValue(m.username)
	m.textInput.Placeholder = "Enter display name…"
	m.textInput.Prompt = "name> "
	return m.textInput.Focus()
}

func (m *Model) updateNamePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.toMenu()
		return m, nil
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(m.textInput.Value())
		if trimmed == "" {
			m.notice("Display name cannot be empty.")
			return m, nil
		}
		m.username = trimmed
		m.textInput.SetValue("")
		next := m.pending
		m.pending = actionNone
		switch next {
		case actionJoin:
			m.mode = modeJoinPrompt
			m.textInput.Placeholder = "Enter room key…"
			m.textInput.Prompt = "room> "
			return m, m.textInput.Focus()
		case actionCreate:
			key := generateSecureKey(12)
			m.notice(inviteText(m.opts.ServerURL, key))
			return m, m.enterRoom(key)
		}
		m.toMenu()
		return m, nil
	}
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *Model) updateJoinPrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.toMenu()
		return m, nil
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(m.textInput.Value())
		if trimmed == "" {
			return m, nil
		}
		return m, m.existsCmd(trimmed)
	}
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *Model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		return m, m.leave(false)
	case tea.KeyPgUp:
		return m, m.loadOlder()
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(m.textInput.Value())
		if trimmed == "" {
			return m, nil
		}
		m.textInput.SetValue("")
		if strings.HasPrefix(trimmed, "/") {
			return m, m.command(trimmed)
		}
		if m.room == nil {
			m.notice("Not connected yet.")
			return m, nil
		}
		return m, sendCmd(m.room, trimmed, chat.TypeText)
	}
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

// command runs a slash command typed in the chat view.
func (m *Model) command(line string) tea.Cmd {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		return m.leave(true)
	case "/leave":
		return m.leave(false)
	case "/older":
		return m.loadOlder()
	case "/retry":
		if m.room == nil {
			return nil
		}
		tempID := ""
		if len(fields) > 1 {
			tempID = fields[1]
		} else if id, ok := latestFailed(m.messages); ok {
			tempID = id
		}
		if tempID == "" {
			m.notice("Nothing to retry.")
			return nil
		}
		return retryCmd(m.room, tempID)
	case "/image", "/file":
		if m.room == nil || len(fields) < 2 {
			m.notice(fmt.Sprintf("Usage: %s <reference>", fields[0]))
			return nil
		}
		typ := chat.TypeImage
		if strings.EqualFold(fields[0], "/file") {
			typ = chat.TypeFile
		}
		return sendCmd(m.room, strings.TrimSpace(line[len(fields[0]):]), typ)
	}
	m.notice(fmt.Sprintf("Unknown command %s. Try /retry, /older, /leave or /quit.", fields[0]))
	return nil
}

func (m *Model) loadOlder() tea.Cmd {
	if m.room == nil || !m.hasMore {
		return nil
	}
	return olderCmd(m.room)
}

func (m *Model) leave(quit bool) tea.Cmd {
	if m.room == nil {
		if quit {
			return tea.Quit
		}
		m.toMenu()
		return nil
	}
	return leaveCmd(m.room, quit)
}

func (m *Model) enterRoom(key string) tea.Cmd {
	m.roomID = key
	m.mode = modeChat
	m.messages = nil
	m.lastErr = nil
	m.state = session.StateClosed
	m.textInput.SetValue("")
	m.textInput.Placeholder = "Type a message…"
	m.textInput.Prompt = "> "
	return tea.Batch(m.textInput.Focus(), m.openCmd())
}

func (m *Model) toMenu() {
	m.mode = modeMenu
	m.pending = actionNone
	m.roomID = ""
	m.messages = nil
	m.textInput.SetValue("")
	m.textInput.Blur()
	m.textInput.Placeholder = ""
	m.textInput.Prompt = ""
}

// refresh copies the session's read side into the model.
func (m *Model) refresh() {
	if m.room == nil {
		return
	}
	m.messages = m.room.Snapshot()
	m.state = m.room.State()
	m.lastErr = m.room.Err()
}

const maxNotices = 5

func (m *Model) notice(text string) {
	m.notices = append(m.notices, text)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}
