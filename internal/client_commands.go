package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

type (
	authOKMsg        struct{ resp *authResponse }
	authFailedMsg    struct{ err error }
	roomsLoadedMsg   struct{ rooms []roomInfo }
	roomCreatedMsg   struct{ room *roomInfo }
	apiErrorMsg      struct{ err error }
	connectedMsg     struct{}
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	incomingFrameMsg wireFrame
	socketClosedMsg  struct{ err error }
)

// wireFrame is the client-side view of every server frame type. Unused
// fields simply stay zero for frames that do not carry them.
type wireFrame struct {
	Type         string  `json:"type"`
	RoomID       int64   `json:"room_id"`
	RoomName     string  `json:"room_name"`
	MessageID    int64   `json:"message_id"`
	Sender       string  `json:"sender"`
	Message      *string `json:"message"`
	MessageType  string  `json:"message_type"`
	FileName     *string `json:"file_name"`
	ReactionType string  `json:"reaction_type"`
	Timestamp    string  `json:"timestamp"`
}

func (model *ChatClient) authenticateCmd() tea.Cmd {
	intent := model.authIntent
	username, password := model.username, model.password
	return func() tea.Msg {
		var resp *authResponse
		var err error
		if intent == authIntentSignup {
			resp, err = apiSignup(model.serverURL, username, password)
		} else {
			resp, err = apiLogin(model.serverURL, username, password)
		}
		if err != nil {
			return authFailedMsg{err: err}
		}
		return authOKMsg{resp: resp}
	}
}

func (model *ChatClient) loadRoomsCmd() tea.Cmd {
	return func() tea.Msg {
		rooms, err := apiListRooms(model.serverURL, model.token)
		if err != nil {
			return apiErrorMsg{err: err}
		}
		return roomsLoadedMsg{rooms: rooms}
	}
}

func (model *ChatClient) createRoomCmd(name string) tea.Cmd {
	return func() tea.Msg {
		room, err := apiCreateRoom(model.serverURL, model.token, name)
		if err != nil {
			return apiErrorMsg{err: err}
		}
		return roomCreatedMsg{room: room}
	}
}

func (model *ChatClient) markReadCmd(roomID int64) tea.Cmd {
	return func() tea.Msg {
		// Best effort: losing an unread-count update is not worth a dialog.
		_ = apiMarkRoomRead(model.serverURL, model.token, roomID)
		return nil
	}
}

func (model *ChatClient) connectCmd() tea.Cmd {
	return func() tea.Msg {
		socketURL, err := chatSocketURL(model.serverURL, model.token, model.roomID)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, _, err := websocket.DefaultDialer.Dial(socketURL, http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.websocketConn = conn
		return connectedMsg{}
	}
}

func (model *ChatClient) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// readOnceCmd pulls a single frame off the socket. Server pings are answered
// inline so the liveness monitor never sees this client as stale.
func (model *ChatClient) readOnceCmd() tea.Cmd {
	return func() tea.Msg {
		if model.websocketConn == nil {
			return socketClosedMsg{err: fmt.Errorf("websocket not connected")}
		}
		for {
			messageType, payload, err := model.websocketConn.ReadMessage()
			if err != nil {
				return socketClosedMsg{err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var frame wireFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				continue
			}
			if frame.Type == "ping" {
				model.writeFrame(map[string]string{"type": "pong"})
				continue
			}
			return incomingFrameMsg(frame)
		}
	}
}

func (model *ChatClient) sendMessageCmd(content string) tea.Cmd {
	return func() tea.Msg {
		if err := model.writeFrame(map[string]string{"type": "message", "content": content}); err != nil {
			return socketClosedMsg{err: err}
		}
		return nil
	}
}

func (model *ChatClient) sendReactionCmd(messageID int64, reactionType string) tea.Cmd {
	return func() tea.Msg {
		frame := map[string]any{"type": "reaction", "message_id": messageID, "reaction_type": reactionType}
		if err := model.writeFrame(frame); err != nil {
			return socketClosedMsg{err: err}
		}
		return nil
	}
}

func (model *ChatClient) writeFrame(frame any) error {
	if model.websocketConn == nil {
		return fmt.Errorf("websocket not connected")
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	model.writeMutex.Lock()
	defer model.writeMutex.Unlock()
	return model.websocketConn.WriteMessage(websocket.TextMessage, encoded)
}

func (model *ChatClient) closeSocket() {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client quit"))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
	model.websocketConn = nil
	model.isConnected = false
}

// RunClient is the bubbletea entry point.
func RunClient(serverURL, username string) error {
	program := tea.NewProgram(NewChatClient(serverURL, username))
	_, err := program.Run()
	return err
}
