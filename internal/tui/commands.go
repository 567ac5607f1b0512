package tui

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"chatsync/internal/chat"
)

const (
	opTimeout   = 10 * time.Second
	rejoinDelay = 2 * time.Second
)

type (
	roomOpenedMsg struct{ room Room }
	openFailedMsg struct{ err error }
	joinedMsg     struct {
		room Room
		err  error
	}
	rejoinMsg  struct{ room Room }
	changedMsg struct{ room Room }
	sentMsg    struct{ err error }
	retriedMsg struct {
		tempID string
		err    error
	}
	olderMsg struct {
		more bool
		err  error
	}
	leftMsg struct {
		failed []chat.Message
		err    error
		quit   bool
	}
	existsMsg struct {
		key    string
		exists bool
		err    error
	}
)

func (m *Model) openCmd() tea.Cmd {
	dial, username, roomID := m.opts.Dial, m.username, m.roomID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		room, err := dial(ctx, username, roomID)
		if err != nil {
			return openFailedMsg{err: err}
		}
		return roomOpenedMsg{room: room}
	}
}

func joinCmd(room Room) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return joinedMsg{room: room, err: room.Join(ctx)}
	}
}

// scheduleRejoin pokes Update to try the join again after a failed history
// fetch.
func scheduleRejoin(room Room) tea.Cmd {
	return tea.Tick(rejoinDelay, func(time.Time) tea.Msg {
		return rejoinMsg{room: room}
	})
}

// waitForChange blocks until the session publishes a change or the room is
// closed.
func waitForChange(room Room, quit <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-room.Changes():
			return changedMsg{room: room}
		case <-quit:
			return nil
		}
	}
}

func sendCmd(room Room, content string, typ chat.MessageType) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		_, err := room.Send(ctx, content, typ)
		return sentMsg{err: err}
	}
}

func retryCmd(room Room, tempID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return retriedMsg{tempID: tempID, err: room.Retry(ctx, tempID)}
	}
}

func olderCmd(room Room) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		more, err := room.LoadOlder(ctx)
		return olderMsg{more: more, err: err}
	}
}

func leaveCmd(room Room, quit bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		failed, err := room.Leave(ctx)
		return leftMsg{failed: failed, err: err, quit: quit}
	}
}

// existsCmd asks the relay about the room before joining so a typo shows
// up as a notice rather than an empty room.
func (m *Model) existsCmd(key string) tea.Cmd {
	probe := m.opts.Exists
	return func() tea.Msg {
		if probe == nil {
			return existsMsg{key: key, exists: true}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		exists, err := probe(ctx, key)
		return existsMsg{key: key, exists: exists, err: err}
	}
}

// generateSecureKey makes a shareable room key, base32 without padding.
func generateSecureKey(length int) string {
	if length < 8 {
		length = 8
	}
	byteLen := (length*5 + 7) / 8
	b := make([]byte, byteLen)
	_, _ = rand.Read(b)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
	if len(enc) >= length {
		return enc[:length]
	}
	return enc
}

func inviteText(serverURL, roomKey string) string {
	var sb strings.Builder
	sb.WriteString("Invite others with:\n  ")
	sb.WriteString("chatsync client --user <name> ")
	if serverURL != "" {
		sb.WriteString("--server-url ")
		sb.WriteString(serverURL)
		sb.WriteString(" ")
	}
	sb.WriteString(roomKey)
	return sb.String()
}

// latestFailed returns the temp id of the newest FAILED entry.
func latestFailed(messages []chat.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].State == chat.StateFailed {
			return messages[i].ID, true
		}
	}
	return "", false
}
