package internal

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomchat/internal/storage"
)

const (
	maxRoomNameLen     = 50
	defaultRecentLimit = 50
	maxRecentLimit     = 200
)

type roomPayload struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at"`
	UnreadCount int64  `json:"unread_count"`
}

type messagePayload struct {
	ID           int64             `json:"id"`
	RoomID       int64             `json:"room_id"`
	SenderID     int64             `json:"sender_id"`
	Sender       string            `json:"sender"`
	Content      *string           `json:"content"`
	MessageType  string            `json:"message_type"`
	FileURL      *string           `json:"file_url"`
	FileName     *string           `json:"file_name"`
	FileSize     *int64            `json:"file_size"`
	MimeType     *string           `json:"mime_type"`
	Timestamp    string            `json:"timestamp"`
	Reactions    []ReactionSummary `json:"reactions"`
	UserReaction *string           `json:"user_reaction"`
}

func (s *Server) messagePayload(ctx context.Context, msg *storage.Message, viewerID int64) (messagePayload, error) {
	reactions, err := s.reactions.Summary(ctx, msg.ID)
	if err != nil {
		return messagePayload{}, err
	}
	own, err := s.reactions.CurrentUserReaction(ctx, msg.ID, viewerID)
	if err != nil {
		return messagePayload{}, err
	}
	payload := messagePayload{
		ID:          msg.ID,
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Sender:      msg.SenderName,
		MessageType: msg.MessageType,
		Timestamp:   msg.Timestamp.Format(time.RFC3339),
		Reactions:   reactions,
	}
	if msg.HasContent {
		content := msg.Content
		payload.Content = &content
	}
	if msg.FileURL != "" {
		payload.FileURL = &msg.FileURL
	}
	if msg.FileName != "" {
		payload.FileName = &msg.FileName
	}
	if msg.FileSize != 0 {
		size := msg.FileSize
		payload.FileSize = &size
	}
	if msg.MimeType != "" {
		payload.MimeType = &msg.MimeType
	}
	if own != "" {
		payload.UserReaction = &own
	}
	return payload, nil
}

func (s *Server) messagePayloads(ctx context.Context, msgs []storage.Message, viewerID int64) ([]messagePayload, error) {
	payloads := make([]messagePayload, 0, len(msgs))
	for i := range msgs {
		payload, err := s.messagePayload(ctx, &msgs[i], viewerID)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRooms(w, r)
	case http.MethodPost:
		s.createRoom(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	identity := s.requireAuth(w, r)
	if identity == nil {
		return
	}
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		log.Printf("list rooms: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	payloads := make([]roomPayload, 0, len(rooms))
	for _, room := range rooms {
		unread, err := s.receipts.UnreadCount(r.Context(), room.ID, identity.UserID)
		if err != nil {
			log.Printf("unread count: %v", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		payloads = append(payloads, roomPayload{
			ID:          room.ID,
			Name:        room.Name,
			CreatedAt:   room.CreatedAt.Format(time.RFC3339),
			UnreadCount: unread,
		})
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	identity := s.requireAuth(w, r)
	if identity == nil {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxRoomNameLen {
		writeError(w, http.StatusBadRequest, "room name must be 1-50 characters")
		return
	}
	existing, err := s.store.GetRoomByName(r.Context(), name)
	if err != nil {
		log.Printf("room lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "room name already taken")
		return
	}
	room, err := s.store.CreateRoom(r.Context(), name)
	if err != nil {
		log.Printf("create room: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	log.Printf("%s created room %s", identity.Username, room.Name)
	writeJSON(w, http.StatusCreated, roomPayload{
		ID:        room.ID,
		Name:      room.Name,
		CreatedAt: room.CreatedAt.Format(time.RFC3339),
	})
}

// handleRoomSubtree routes /api/rooms/{id}[/...] by hand, the way ServeMux
// prefix handlers have to.
func (s *Server) handleRoomSubtree(w http.ResponseWriter, r *http.Request) {
	identity := s.requireAuth(w, r)
	if identity == nil {
		return
	}
	segments := splitPath(strings.TrimPrefix(r.URL.Path, "/api/rooms/"))
	if len(segments) == 0 {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	roomID, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		log.Printf("room lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if room == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		s.roomDetail(w, r, room, identity)
	case len(segments) == 2 && segments[1] == "messages" && r.Method == http.MethodGet:
		s.roomMessages(w, r, room, identity)
	case len(segments) == 3 && segments[1] == "messages" && segments[2] == "recent" && r.Method == http.MethodGet:
		s.roomRecentMessages(w, r, room, identity)
	case len(segments) == 2 && segments[1] == "read" && r.Method == http.MethodPost:
		s.markRoomRead(w, r, room, identity)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) roomDetail(w http.ResponseWriter, r *http.Request, room *storage.Room, identity *Identity) {
	unread, err := s.receipts.UnreadCount(r.Context(), room.ID, identity.UserID)
	if err != nil {
		log.Printf("unread count: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, roomPayload{
		ID:          room.ID,
		Name:        room.Name,
		CreatedAt:   room.CreatedAt.Format(time.RFC3339),
		UnreadCount: unread,
	})
}

func (s *Server) roomMessages(w http.ResponseWriter, r *http.Request, room *storage.Room, identity *Identity) {
	msgs, err := s.store.ListRoomMessages(r.Context(), room.ID)
	if err != nil {
		log.Printf("list messages: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	payloads, err := s.messagePayloads(r.Context(), msgs, identity.UserID)
	if err != nil {
		log.Printf("message payloads: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (s *Server) roomRecentMessages(w http.ResponseWriter, r *http.Request, room *storage.Room, identity *Identity) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxRecentLimit)
	}
	msgs, err := s.store.ListRecentMessages(r.Context(), room.ID, limit)
	if err != nil {
		log.Printf("recent messages: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	payloads, err := s.messagePayloads(r.Context(), msgs, identity.UserID)
	if err != nil {
		log.Printf("message payloads: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (s *Server) markRoomRead(w http.ResponseWriter, r *http.Request, room *storage.Room, identity *Identity) {
	marked, err := s.receipts.MarkRoomRead(r.Context(), room.ID, identity.UserID)
	if err != nil {
		log.Printf("mark room read: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked_read": marked})
}

// handleMessageSubtree routes /api/messages/{id}/reactions and
// /api/messages/{id}/read.
func (s *Server) handleMessageSubtree(w http.ResponseWriter, r *http.Request) {
	identity := s.requireAuth(w, r)
	if identity == nil {
		return
	}
	segments := splitPath(strings.TrimPrefix(r.URL.Path, "/api/messages/"))
	if len(segments) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	messageID, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	switch {
	case segments[1] == "reactions" && r.Method == http.MethodGet:
		s.reactionStats(w, r, messageID, identity)
	case segments[1] == "reactions" && r.Method == http.MethodPost:
		s.addReaction(w, r, messageID, identity)
	case segments[1] == "reactions" && r.Method == http.MethodDelete:
		s.removeReaction(w, r, messageID, identity)
	case segments[1] == "read" && r.Method == http.MethodPost:
		s.markMessageRead(w, r, messageID, identity)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) reactionStats(w http.ResponseWriter, r *http.Request, messageID int64, identity *Identity) {
	msg, err := s.store.GetMessage(r.Context(), messageID)
	if err != nil {
		log.Printf("message lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	summary, err := s.reactions.Summary(r.Context(), messageID)
	if err != nil {
		log.Printf("reaction summary: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	own, err := s.reactions.CurrentUserReaction(r.Context(), messageID, identity.UserID)
	if err != nil {
		log.Printf("user reaction: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	payload := map[string]any{
		"message_id":    messageID,
		"reactions":     summary,
		"user_reaction": nil,
	}
	if own != "" {
		payload["user_reaction"] = own
	}
	writeJSON(w, http.StatusOK, payload)
}

// addReaction mirrors the websocket reaction path so REST and socket clients
// converge through the same broadcast.
func (s *Server) addReaction(w http.ResponseWriter, r *http.Request, messageID int64, identity *Identity) {
	var req struct {
		ReactionType string `json:"reaction_type"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ReactionType == "" {
		writeError(w, http.StatusBadRequest, "reaction_type required")
		return
	}
	err := s.reactions.Upsert(r.Context(), messageID, identity.UserID, req.ReactionType)
	switch {
	case errors.Is(err, ErrUnknownReaction):
		writeError(w, http.StatusBadRequest, "invalid reaction type")
		return
	case errors.Is(err, storage.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
		return
	case err != nil:
		log.Printf("add reaction: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.notifyReaction(r.Context(), "reaction_added", messageID, identity.Username, req.ReactionType)
	summary, err := s.reactions.Summary(r.Context(), messageID)
	if err != nil {
		log.Printf("reaction summary: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": messageID, "reactions": summary})
}

func (s *Server) removeReaction(w http.ResponseWriter, r *http.Request, messageID int64, identity *Identity) {
	removed, err := s.reactions.Remove(r.Context(), messageID, identity.UserID)
	if err != nil {
		log.Printf("remove reaction: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no reaction to remove")
		return
	}
	s.notifyReaction(r.Context(), "reaction_removed", messageID, identity.Username, "")
	summary, err := s.reactions.Summary(r.Context(), messageID)
	if err != nil {
		log.Printf("reaction summary: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": messageID, "reactions": summary})
}

// notifyReaction pushes a reaction update to the message's room. Lookup
// failures only cost the live update, never the HTTP response.
func (s *Server) notifyReaction(ctx context.Context, frameType string, messageID int64, sender, reactionType string) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil || msg == nil {
		return
	}
	summary, err := s.reactions.Summary(ctx, messageID)
	if err != nil {
		return
	}
	s.router.Broadcast(msg.RoomID, reactionFrame{
		Type:            frameType,
		RoomID:          msg.RoomID,
		MessageID:       messageID,
		Sender:          sender,
		ReactionType:    reactionType,
		ReactionSummary: summary,
		Timestamp:       time.Now().Format(time.RFC3339),
	}, nil)
}

func (s *Server) markMessageRead(w http.ResponseWriter, r *http.Request, messageID int64, identity *Identity) {
	result, err := s.receipts.MarkRead(r.Context(), messageID, identity.UserID)
	if err != nil {
		log.Printf("mark read: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	switch result {
	case MarkedNew:
		writeJSON(w, http.StatusOK, map[string]bool{"marked": true})
	case AlreadyRead:
		writeJSON(w, http.StatusOK, map[string]bool{"marked": false})
	default:
		writeError(w, http.StatusBadRequest, "message not found or sent by you")
	}
}

func (s *Server) handleAvailableReactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"reactions": s.reactions.Available()})
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
