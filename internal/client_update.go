package internal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

func (model *ChatClient) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeSocket()
			return model, tea.Quit
		}
		switch model.mode {
		case modeAuthMenu:
			return model.updateAuthMenu(typedMessage)
		case modeAuthUsername, modeAuthPassword:
			return model.updateAuthPrompt(typedMessage)
		case modeRooms:
			return model.updateRoomList(typedMessage)
		case modeNewRoom:
			return model.updateNewRoomPrompt(typedMessage)
		case modeChat:
			return model.updateChat(typedMessage)
		}

	case authOKMsg:
		model.loading = false
		model.token = typedMessage.resp.AccessToken
		model.username = typedMessage.resp.User.Username
		model.mode = modeRooms
		model.loading = true
		return model, model.loadRoomsCmd()

	case authFailedMsg:
		model.loading = false
		model.mode = modeAuthMenu
		model.systemNotice(fmt.Sprintf("Authentication failed: %v", typedMessage.err))
		return model, nil

	case roomsLoadedMsg:
		model.loading = false
		model.rooms = typedMessage.rooms
		if model.selectedRoom >= len(model.rooms) {
			model.selectedRoom = 0
		}
		return model, nil

	case roomCreatedMsg:
		model.loading = false
		model.systemNotice(fmt.Sprintf("Room %q created.", typedMessage.room.Name))
		model.mode = modeRooms
		model.loading = true
		return model, model.loadRoomsCmd()

	case apiErrorMsg:
		model.loading = false
		model.systemNotice(fmt.Sprintf("Request failed: %v", typedMessage.err))
		return model, nil

	case connectedMsg:
		model.isConnected = true
		model.connError = nil
		return model, model.readOnceCmd()

	case incomingFrameMsg:
		model.applyFrame(wireFrame(typedMessage))
		return model, model.readOnceCmd()

	case connectFailedMsg:
		model.connError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case socketClosedMsg:
		model.isConnected = false
		model.websocketConn = nil
		if model.mode == modeChat {
			model.connError = typedMessage.err
			return model, model.scheduleReconnect()
		}
		return model, nil
	}
	return model, nil
}

func (model *ChatClient) updateAuthMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "l", "L":
		model.authIntent = authIntentLogin
	case "2", "s", "S":
		model.authIntent = authIntentSignup
	case "q", "Q", "esc":
		return model, tea.Quit
	default:
		return model, nil
	}
	model.mode = modeAuthUsername
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "Enter your username…"
	model.textInput.Prompt = "name> "
	model.textInput.EchoMode = textinput.EchoNormal
	return model, model.textInput.Focus()
}

func (model *ChatClient) updateAuthPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.mode = modeAuthMenu
		model.textInput.SetValue("")
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		if model.mode == modeAuthUsername {
			model.username = trimmed
			model.mode = modeAuthPassword
			model.textInput.SetValue("")
			model.textInput.Placeholder = "Enter your password…"
			model.textInput.Prompt = "pass> "
			model.textInput.EchoMode = textinput.EchoPassword
			return model, nil
		}
		model.password = trimmed
		model.textInput.SetValue("")
		model.textInput.EchoMode = textinput.EchoNormal
		model.textInput.Blur()
		model.loading = true
		return model, model.authenticateCmd()
	default:
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd
	}
}

func (model *ChatClient) updateRoomList(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "up", "k":
		if model.selectedRoom > 0 {
			model.selectedRoom--
		}
	case "down", "j":
		if model.selectedRoom < len(model.rooms)-1 {
			model.selectedRoom++
		}
	case "enter":
		if len(model.rooms) == 0 {
			return model, nil
		}
		room := model.rooms[model.selectedRoom]
		model.roomID = room.ID
		model.roomName = room.Name
		model.entries = model.entries[:0]
		model.mode = modeChat
		model.textInput.SetValue("")
		model.textInput.Placeholder = "Type a message…"
		model.textInput.Prompt = "> "
		focusCmd := model.textInput.Focus()
		return model, tea.Batch(focusCmd, model.connectCmd(), model.markReadCmd(room.ID))
	case "n", "N":
		model.mode = modeNewRoom
		model.textInput.SetValue("")
		model.textInput.Placeholder = "Enter room name…"
		model.textInput.Prompt = "room> "
		return model, model.textInput.Focus()
	case "r", "R":
		model.loading = true
		return model, model.loadRoomsCmd()
	case "q", "Q", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *ChatClient) updateNewRoomPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.mode = modeRooms
		model.textInput.SetValue("")
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		model.textInput.SetValue("")
		model.textInput.Blur()
		model.loading = true
		return model, model.createRoomCmd(trimmed)
	default:
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd
	}
}

func (model *ChatClient) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.closeSocket()
		model.mode = modeRooms
		model.loading = true
		return model, model.loadRoomsCmd()
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		if strings.HasPrefix(trimmed, "/") {
			return model.runSlashCommand(trimmed)
		}
		if model.isConnected {
			model.textInput.SetValue("")
			return model, model.sendMessageCmd(trimmed)
		}
		return model, nil
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *ChatClient) runSlashCommand(input string) (tea.Model, tea.Cmd) {
	model.textInput.SetValue("")
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		model.closeSocket()
		return model, tea.Quit
	case "/leave":
		model.closeSocket()
		model.mode = modeRooms
		model.loading = true
		return model, model.loadRoomsCmd()
	case "/react":
		if len(fields) != 3 {
			model.systemNotice("Usage: /react <message-id> <emoji>")
			return model, nil
		}
		messageID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			model.systemNotice("Usage: /react <message-id> <emoji>")
			return model, nil
		}
		return model, model.sendReactionCmd(messageID, fields[2])
	default:
		model.systemNotice("Unknown command. Try /quit, /leave, or /react.")
		return model, nil
	}
}

// applyFrame folds one server frame into the transcript.
func (model *ChatClient) applyFrame(frame wireFrame) {
	timestamp := time.Now()
	if parsed, err := time.Parse(time.RFC3339, frame.Timestamp); err == nil {
		timestamp = parsed
	}
	switch frame.Type {
	case "connected":
		model.systemNotice(fmt.Sprintf("Connected to %s.", frame.RoomName))
	case "user_joined":
		model.systemNotice(fmt.Sprintf("%s joined the room.", frame.Sender))
	case "message":
		body := ""
		if frame.Message != nil {
			body = *frame.Message
		}
		if frame.FileName != nil {
			attachment := fmt.Sprintf("[%s: %s]", frame.MessageType, *frame.FileName)
			if body != "" {
				body += " " + attachment
			} else {
				body = attachment
			}
		}
		model.entries = append(model.entries, chatEntry{
			Sender:    frame.Sender,
			Body:      fmt.Sprintf("(#%d) %s", frame.MessageID, body),
			Timestamp: timestamp,
		})
	case "typing":
		model.systemNotice(fmt.Sprintf("%s is typing…", frame.Sender))
	case "reaction_added":
		model.systemNotice(fmt.Sprintf("%s reacted %s to #%d.", frame.Sender, frame.ReactionType, frame.MessageID))
	case "reaction_removed":
		model.systemNotice(fmt.Sprintf("%s removed a reaction from #%d.", frame.Sender, frame.MessageID))
	case "error":
		body := ""
		if frame.Message != nil {
			body = *frame.Message
		}
		model.systemNotice("Server: " + body)
	}
}
