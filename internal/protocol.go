package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/storage"
)

// Connection lifecycle. Transitions are one-way; teardown flips JOINED to
// CLOSING exactly once no matter how many goroutines race to clean up.
const (
	stateJoined int32 = iota + 1
	stateClosing
	stateClosed
)

const maxFrameSize = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// protocolError is a recoverable client mistake: the sender gets an error
// frame and the connection stays open. Everything else is fatal.
type protocolError struct {
	msg string
}

func (e *protocolError) Error() string { return e.msg }

func protocolErrorf(format string, args ...any) *protocolError {
	return &protocolError{msg: fmt.Sprintf(format, args...)}
}

// handleWS upgrades the request, authenticates the token, resolves the room,
// and runs the session until the peer goes away. Authentication and room
// resolution happen after the upgrade so failures can be reported with a
// proper close frame instead of an opaque handshake rejection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identifier := strings.TrimPrefix(r.URL.Path, "/ws/chat/")
	if identifier == "" || strings.Contains(identifier, "/") {
		http.Error(w, "room identifier required", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	ctx := r.Context()
	identity, err := s.auth.Verify(ctx, r.URL.Query().Get("token"))
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			log.Printf("websocket auth check failed: %v", err)
			rejectHandshake(ws, websocket.CloseInternalServerErr, "internal server error")
			return
		}
		rejectHandshake(ws, websocket.ClosePolicyViolation, "invalid authentication token")
		return
	}
	room, err := s.resolveRoom(ctx, identifier)
	if err != nil {
		log.Printf("websocket room lookup failed: %v", err)
		rejectHandshake(ws, websocket.CloseInternalServerErr, "internal server error")
		return
	}
	if room == nil {
		rejectHandshake(ws, websocket.ClosePolicyViolation, fmt.Sprintf("room %q not found", identifier))
		return
	}

	c := newConn(ws, identity.UserID, identity.Username, room.ID)
	if err := s.registry.Register(c, room.ID); err != nil {
		rejectHandshake(ws, websocket.CloseInternalServerErr, "internal server error")
		return
	}
	c.state.Store(stateJoined)
	s.metrics.IncConn()
	go s.router.writePump(c)

	now := time.Now().Format(time.RFC3339)
	s.router.Broadcast(room.ID, userJoinedFrame{
		Type:      "user_joined",
		RoomID:    room.ID,
		Sender:    identity.Username,
		Message:   fmt.Sprintf("%s joined the room", identity.Username),
		Timestamp: now,
	}, c)
	s.router.SendTo(c, connectedFrame{
		Type:      "connected",
		RoomID:    room.ID,
		RoomName:  room.Name,
		Message:   fmt.Sprintf("Connected to %s", room.Name),
		Timestamp: now,
	})
	log.Printf("%s joined room %s", identity.Username, room.Name)

	s.readLoop(ctx, c)
}

// rejectHandshake closes a socket that never made it into the registry.
func rejectHandshake(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

// resolveRoom treats a numeric identifier as a room id and anything else as a
// case-insensitive room name.
func (s *Server) resolveRoom(ctx context.Context, identifier string) (*storage.Room, error) {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		return s.store.GetRoom(ctx, id)
	}
	return s.store.GetRoomByName(ctx, identifier)
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	defer s.teardown(c)
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetPongHandler(func(string) error {
		s.registry.TouchLiveness(c, time.Now())
		return nil
	})
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if err := s.dispatch(ctx, c, payload); err != nil {
			var perr *protocolError
			if errors.As(err, &perr) {
				s.router.SendTo(c, errorFrame{Type: "error", Message: perr.msg})
				continue
			}
			log.Printf("session %s: %v", c.username, err)
			c.closeWith(websocket.CloseInternalServerErr, "internal server error")
			return
		}
	}
}

// teardown runs the CLOSING path exactly once per connection. Deregistration
// is idempotent, so a race with the router or liveness monitor only affects
// who decrements the gauge.
func (s *Server) teardown(c *Conn) {
	if !c.state.CompareAndSwap(stateJoined, stateClosing) {
		return
	}
	if _, err := s.registry.Deregister(c); err == nil {
		s.metrics.DecConn()
	}
	c.shutdown()
	c.state.Store(stateClosed)
	log.Printf("%s left room %d", c.username, c.roomID)
}

func (s *Server) dispatch(ctx context.Context, c *Conn, payload []byte) error {
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return protocolErrorf("Invalid JSON format")
	}
	switch frame.Type {
	case "message":
		return s.handleChatMessage(ctx, c, &frame)
	case "typing":
		s.handleTyping(c)
		return nil
	case "reaction":
		return s.handleReaction(ctx, c, &frame)
	case "pong":
		s.registry.TouchLiveness(c, time.Now())
		return nil
	default:
		return protocolErrorf("Unknown message type: %s", frame.Type)
	}
}

func (s *Server) handleChatMessage(ctx context.Context, c *Conn, frame *inboundFrame) error {
	files := mergeFileFields(frame)
	if frame.Content == nil && files.URL == "" {
		return protocolErrorf("Message must include content or a file attachment")
	}
	messageType := frame.MessageType
	if messageType == "" {
		messageType = "text"
	}
	msg, err := s.store.CreateMessage(ctx, storage.NewMessage{
		RoomID:      c.roomID,
		SenderID:    c.userID,
		Content:     frame.Content,
		MessageType: messageType,
		FileURL:     files.URL,
		FileName:    files.Name,
		FileSize:    files.Size,
		MimeType:    files.MimeType,
	})
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	s.metrics.IncMessage()
	reactions, err := s.reactions.Summary(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	s.router.Broadcast(c.roomID, newMessageFrame(msg, reactions), c)
	return nil
}

func (s *Server) handleTyping(c *Conn) {
	s.router.Broadcast(c.roomID, typingFrame{
		Type:      "typing",
		RoomID:    c.roomID,
		Sender:    c.username,
		Message:   fmt.Sprintf("%s is typing...", c.username),
		Timestamp: time.Now().Format(time.RFC3339),
	}, c)
}

func (s *Server) handleReaction(ctx context.Context, c *Conn, frame *inboundFrame) error {
	if frame.MessageID == 0 {
		return protocolErrorf("Missing message_id for reaction")
	}
	action := frame.Action
	if action == "" {
		action = "add"
	}
	switch action {
	case "add":
		if frame.ReactionType == "" {
			return protocolErrorf("Missing reaction_type for reaction")
		}
		err := s.reactions.Upsert(ctx, frame.MessageID, c.userID, frame.ReactionType)
		switch {
		case errors.Is(err, ErrUnknownReaction):
			return protocolErrorf("Invalid reaction type: %s", frame.ReactionType)
		case errors.Is(err, storage.ErrMessageNotFound):
			return protocolErrorf("Message not found")
		case err != nil:
			return fmt.Errorf("add reaction: %w", err)
		}
		return s.broadcastReaction(ctx, c, "reaction_added", frame.MessageID, frame.ReactionType)
	case "remove":
		removed, err := s.reactions.Remove(ctx, frame.MessageID, c.userID)
		if err != nil {
			return fmt.Errorf("remove reaction: %w", err)
		}
		if !removed {
			return protocolErrorf("No reaction to remove")
		}
		return s.broadcastReaction(ctx, c, "reaction_removed", frame.MessageID, frame.ReactionType)
	default:
		return protocolErrorf("Unknown reaction action: %s", action)
	}
}

// broadcastReaction fans the updated summary out to the whole room, sender
// included, so everyone converges on the same counts.
func (s *Server) broadcastReaction(ctx context.Context, c *Conn, frameType string, messageID int64, reactionType string) error {
	summary, err := s.reactions.Summary(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	s.router.Broadcast(c.roomID, reactionFrame{
		Type:            frameType,
		RoomID:          c.roomID,
		MessageID:       messageID,
		Sender:          c.username,
		ReactionType:    reactionType,
		ReactionSummary: summary,
		Timestamp:       time.Now().Format(time.RFC3339),
	}, nil)
	return nil
}
