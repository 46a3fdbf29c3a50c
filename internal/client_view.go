package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	roomSelectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	roomItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	unreadBadgeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
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

func (model *ChatClient) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthUsername, modeAuthPassword:
		return model.renderPrompt(model.authPromptTitle(), model.authPromptHint())
	case modeRooms:
		return model.renderRoomListView()
	case modeNewRoom:
		return model.renderPrompt("Create a room", "Enter a room name and press Enter.")
	default:
		return model.renderChatView()
	}
}

func (model *ChatClient) authPromptTitle() string {
	if model.authIntent == authIntentSignup {
		return "Create an account"
	}
	return "Log in"
}

func (model *ChatClient) authPromptHint() string {
	if model.mode == modeAuthPassword {
		return "Enter your password"
	}
	return "Enter your username"
}

func (model *ChatClient) renderAuthMenuView() string {
	title := appTitleStyle.Render("RoomChat")
	subtitle := subtitleStyle.Render("Room-based chat from your terminal")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *ChatClient) renderPrompt(title, hint string) string {
	header := appTitleStyle.Render(title)
	hintText := menuHintStyle.Render(hint)

	viewSections := []string{header, hintText}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *ChatClient) renderRoomListView() string {
	title := appTitleStyle.Render(fmt.Sprintf("Welcome, %s", model.username))
	subtitle := subtitleStyle.Render(fmt.Sprintf("Rooms: %d", len(model.rooms)))

	viewSections := []string{title, subtitle}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Loading rooms…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}

	var roomLines []string
	if len(model.rooms) == 0 {
		roomLines = append(roomLines, menuHintStyle.Render("No rooms yet. Press N to create one."))
	} else {
		for idx, room := range model.rooms {
			label := room.Name
			if room.UnreadCount > 0 {
				label += " " + unreadBadgeStyle.Render(fmt.Sprintf("(%d unread)", room.UnreadCount))
			}
			if idx == model.selectedRoom {
				roomLines = append(roomLines, roomSelectedStyle.Render("➤ "+label))
			} else {
				roomLines = append(roomLines, roomItemStyle.Render("  "+label))
			}
		}
	}
	viewSections = append(viewSections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, roomLines...)))
	viewSections = append(viewSections, menuHintStyle.Render("↑/↓ select • Enter join • N new room • R refresh • Q quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *ChatClient) renderChatView() string {
	headerSegments := []string{"RoomChat"}
	if model.roomName != "" {
		headerSegments = append(headerSegments, fmt.Sprintf("Room %s", model.roomName))
	}
	headerSegments = append(headerSegments, fmt.Sprintf("User %s", model.username))
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connError != nil:
		statusLine = errorStyle.Render("Connection error: " + model.connError.Error())
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	var messageLines []string
	for _, entry := range model.entries {
		messageLines = append(messageLines, model.renderEntry(entry))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))
	inputView := inputBoxStyle.Render(model.textInput.View())
	footerHint := menuHintStyle.Render("Esc or /leave for rooms • /react <id> <emoji> • /quit to exit")

	return lipgloss.JoinVertical(lipgloss.Left, header, statusLine, messagesView, inputView, footerHint)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *ChatClient) renderSystemNotices() string {
	var notices []string
	for _, entry := range model.entries {
		if entry.System {
			notices = append(notices, systemMessageStyle.Render(entry.Body))
		}
	}
	if len(notices) == 0 {
		return ""
	}
	return lipgloss.JoinVertical(lipgloss.Left, notices...)
}

// renderEntry stamps the timestamp, picks a stable color for the sender, and
// indents multi-line messages so they stay legible.
func (model *ChatClient) renderEntry(entry chatEntry) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", entry.Timestamp.Format("15:04:05")))
	if entry.System {
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", systemMessageStyle.Render(entry.Body))
	}

	var nameStyle lipgloss.Style
	if entry.Sender == model.username {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(entry.Sender))
	}

	name := nameStyle.Render(entry.Sender)
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(entry.Body, "\n", "\n   "))

	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)
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
