package internal

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// ChatClient is the bubbletea model for the terminal client. It walks the
// user through login, room selection, and the chat session itself.
type ChatClient struct {
	textInput textinput.Model
	serverURL string

	username   string
	password   string
	token      string
	authIntent authIntent

	rooms        []roomInfo
	selectedRoom int
	roomID       int64
	roomName     string

	entries []chatEntry

	websocketConn *websocket.Conn
	writeMutex    sync.Mutex
	isConnected   bool
	connError     error

	mode    clientMode
	loading bool
}

type clientMode int

const (
	modeAuthMenu clientMode = iota
	modeAuthUsername
	modeAuthPassword
	modeRooms
	modeNewRoom
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

// chatEntry is one rendered line of the conversation.
type chatEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	System    bool
}

type roomInfo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	UnreadCount int64  `json:"unread_count"`
}

func NewChatClient(serverURL, username string) *ChatClient {
	input := textinput.New()
	input.CharLimit = 0
	input.Placeholder = "Enter your username…"
	input.Prompt = "name> "
	input.Focus()

	if username == "" {
		username = defaultUsername()
	}

	return &ChatClient{
		textInput: input,
		serverURL: serverURL,
		username:  username,
		entries:   make([]chatEntry, 0, 64),
		mode:      modeAuthMenu,
	}
}

func defaultUsername() string {
	if user := os.Getenv("ROOMCHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (model *ChatClient) Init() tea.Cmd {
	return nil
}

func (model *ChatClient) systemNotice(body string) {
	model.entries = append(model.entries, chatEntry{Sender: "system", Body: body, Timestamp: time.Now(), System: true})
}
