// Package tui is the terminal client: a Bubble Tea program that renders one
// room session and forwards what the user types to it.
package tui

import (
	"context"
	"os"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"chatsync/internal/chat"
	"chatsync/internal/session"
)

// Room is the slice of *session.RoomSession the client drives.
type Room interface {
	RoomID() string
	Join(ctx context.Context) error
	Send(ctx context.Context, content string, typ chat.MessageType) (string, error)
	Retry(ctx context.Context, tempID string) error
	LoadOlder(ctx context.Context) (bool, error)
	Leave(ctx context.Context) ([]chat.Message, error)
	State() session.State
	Snapshot() []chat.Message
	Changes() <-chan struct{}
	Err() error
	Close()
}

// Dialer opens (but does not join) a room for username.
type Dialer func(ctx context.Context, username, roomID string) (Room, error)

// Prober reports whether a room has members or history.
type Prober func(ctx context.Context, roomID string) (bool, error)

type Options struct {
	ServerURL string
	Username  string
	RoomID    string
	Dial      Dialer
	// Exists is optional; joining skips the check without it.
	Exists Prober
}

// Model holds the bubbletea state: prompts, the current room and what was
// last rendered from it.
type Model struct {
	opts      Options
	textInput textinput.Model
	username  string
	roomID    string
	mode      appMode
	pending   actionType

	room     Room
	quit     chan struct{}
	messages []chat.Message
	state    session.State
	lastErr  error
	hasMore  bool
	notices  []string
	height   int
}

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modeJoinPrompt
	modeChat
)

type actionType int

const (
	actionNone actionType = iota
	actionJoin
	actionCreate
)

func New(opts Options) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 4000
	input.Prompt = "> "

	username := opts.Username
	if username == "" {
		username = defaultUsername()
	}

	m := &Model{
		opts:      opts,
		textInput: input,
		username:  username,
		roomID:    opts.RoomID,
		hasMore:   true,
	}
	if m.roomID == "" {
		m.mode = modeMenu
		m.textInput.Prompt = ""
		m.textInput.Placeholder = ""
	} else {
		m.mode = modeChat
		m.textInput.Focus()
	}
	return m
}

func defaultUsername() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (m *Model) Init() tea.Cmd {
	if m.mode == modeChat {
		return tea.Batch(textinput.Blink, m.openCmd())
	}
	return nil
}

// Run starts the program and closes the open room when it exits.
func Run(opts Options) error {
	m := New(opts)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	m.closeRoom()
	return err
}

func (m *Model) closeRoom() {
	if m.room == nil {
		return
	}
	close(m.quit)
	m.room.Close()
	m.room = nil
}
