package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/storage"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	store := newTestStore(t)
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "test-secret"
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Minute
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = t.TempDir()
	}
	srv := NewServer(store, cfg)
	srv.Start()
	mux := http.NewServeMux()
	srv.RegisterHandlers(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})
	return srv, ts
}

func postJSON(t *testing.T, rawURL, token string, payload any) (int, map[string]any) {
	t.Helper()
	return requestJSON(t, http.MethodPost, rawURL, token, payload)
}

func requestJSON(t *testing.T, method, rawURL, token string, payload any) (int, map[string]any) {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func signupUser(t *testing.T, ts *httptest.Server, username string) string {
	t.Helper()
	status, body := postJSON(t, ts.URL+"/api/auth/signup", "", map[string]string{
		"username": username,
		"password": "password123",
	})
	if status != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %v", username, status, body)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("signup %s: no access token in %v", username, body)
	}
	return token
}

func createTestRoom(t *testing.T, ts *httptest.Server, token, name string) int64 {
	t.Helper()
	status, body := postJSON(t, ts.URL+"/api/rooms", token, map[string]string{"name": name})
	if status != http.StatusCreated {
		t.Fatalf("create room: status %d body %v", status, body)
	}
	id, ok := body["id"].(float64)
	if !ok {
		t.Fatalf("create room: no id in %v", body)
	}
	return int64(id)
}

func dialRoom(t *testing.T, ts *httptest.Server, token, room string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat/" + url.PathEscape(room) + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", room, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", payload, err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != code {
		t.Fatalf("expected close code %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
	}
}

func TestSignupLoginRefreshLogout(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	status, body := postJSON(t, ts.URL+"/api/auth/signup", "", map[string]string{
		"username": "alice", "password": "password123",
	})
	if status != http.StatusCreated {
		t.Fatalf("signup: status %d body %v", status, body)
	}
	refresh, _ := body["refresh_token"].(string)
	if refresh == "" {
		t.Fatalf("signup response missing refresh token: %v", body)
	}

	status, _ = postJSON(t, ts.URL+"/api/auth/signup", "", map[string]string{
		"username": "alice", "password": "different1",
	})
	if status != http.StatusConflict {
		t.Fatalf("duplicate signup: status %d", status)
	}

	status, _ = postJSON(t, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong-password",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d", status)
	}

	status, body = postJSON(t, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "alice", "password": "password123",
	})
	if status != http.StatusOK {
		t.Fatalf("login: status %d body %v", status, body)
	}
	access, _ := body["access_token"].(string)
	refresh, _ = body["refresh_token"].(string)

	status, body = requestJSON(t, http.MethodGet, ts.URL+"/api/auth/me", access, nil)
	if status != http.StatusOK || body["username"] != "alice" {
		t.Fatalf("me: status %d body %v", status, body)
	}

	status, body = postJSON(t, ts.URL+"/api/auth/refresh", "", map[string]string{"refresh_token": refresh})
	if status != http.StatusOK {
		t.Fatalf("refresh: status %d body %v", status, body)
	}
	// The consumed token is replaced and stops working.
	status, _ = postJSON(t, ts.URL+"/api/auth/refresh", "", map[string]string{"refresh_token": refresh})
	if status != http.StatusUnauthorized {
		t.Fatalf("reused refresh: status %d", status)
	}

	latestRefresh, _ := body["refresh_token"].(string)
	status, _ = postJSON(t, ts.URL+"/api/auth/logout", access, nil)
	if status != http.StatusOK {
		t.Fatalf("logout: status %d", status)
	}
	status, _ = postJSON(t, ts.URL+"/api/auth/refresh", "", map[string]string{"refresh_token": latestRefresh})
	if status != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: status %d", status)
	}
}

func TestSignupValidation(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	status, _ := postJSON(t, ts.URL+"/api/auth/signup", "", map[string]string{"username": "ab", "password": "password123"})
	if status != http.StatusBadRequest {
		t.Fatalf("short username: status %d", status)
	}
	status, _ = postJSON(t, ts.URL+"/api/auth/signup", "", map[string]string{"username": "valid", "password": "tiny"})
	if status != http.StatusBadRequest {
		t.Fatalf("short password: status %d", status)
	}
}

func TestAuthRateLimit(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{AuthRateLimit: 2, AuthRateWindow: time.Minute})

	for i := 0; i < 2; i++ {
		status, _ := postJSON(t, ts.URL+"/api/auth/login", "", map[string]string{"username": "x", "password": "y"})
		if status == http.StatusTooManyRequests {
			t.Fatalf("attempt %d throttled too early", i)
		}
	}
	status, _ := postJSON(t, ts.URL+"/api/auth/login", "", map[string]string{"username": "x", "password": "y"})
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	conn := dialRoom(t, ts, "garbage-token", "1")
	expectCloseCode(t, conn, websocket.ClosePolicyViolation)
}

func TestWebSocketRejectsUnknownRoom(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	token := signupUser(t, ts, "alice")
	conn := dialRoom(t, ts, token, "no-such-room")
	expectCloseCode(t, conn, websocket.ClosePolicyViolation)
}

func TestChatSession(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	aliceToken := signupUser(t, ts, "alice")
	bobToken := signupUser(t, ts, "bob")
	roomID := createTestRoom(t, ts, aliceToken, "General")

	alice := dialRoom(t, ts, aliceToken, fmt.Sprintf("%d", roomID))
	if frame := readFrame(t, alice); frame["type"] != "connected" || frame["room_name"] != "General" {
		t.Fatalf("unexpected first frame for alice: %v", frame)
	}

	// Joining by name is case-insensitive.
	bob := dialRoom(t, ts, bobToken, "general")
	if frame := readFrame(t, bob); frame["type"] != "connected" {
		t.Fatalf("unexpected first frame for bob: %v", frame)
	}
	if frame := readFrame(t, alice); frame["type"] != "user_joined" || frame["sender"] != "bob" {
		t.Fatalf("alice should see bob join: %v", frame)
	}

	sendFrame(t, bob, map[string]any{"type": "message", "content": "hello room"})
	msgFrame := readFrame(t, alice)
	if msgFrame["type"] != "message" || msgFrame["sender"] != "bob" || msgFrame["message"] != "hello room" {
		t.Fatalf("unexpected message frame: %v", msgFrame)
	}
	if msgFrame["user_reaction"] != nil {
		t.Fatalf("fresh message should carry null user_reaction: %v", msgFrame)
	}
	messageID := int64(msgFrame["message_id"].(float64))

	// The sender is excluded from their own message broadcast: the next frame
	// bob sees must be alice's reaction, not an echo of his message.
	sendFrame(t, alice, map[string]any{"type": "reaction", "message_id": messageID, "reaction_type": "👍"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, conn)
		if frame["type"] != "reaction_added" || frame["sender"] != "alice" {
			t.Fatalf("expected reaction_added from alice, got %v", frame)
		}
		summary, ok := frame["reaction_summary"].([]any)
		if !ok || len(summary) != 1 {
			t.Fatalf("expected one summary group: %v", frame)
		}
	}

	// Typing indicators fan out to everyone but the typist.
	sendFrame(t, bob, map[string]any{"type": "typing"})
	if frame := readFrame(t, alice); frame["type"] != "typing" || frame["sender"] != "bob" {
		t.Fatalf("expected typing frame: %v", frame)
	}

	// Removing the reaction notifies the room, typist included.
	sendFrame(t, alice, map[string]any{"type": "reaction", "message_id": messageID, "action": "remove"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, conn)
		if frame["type"] != "reaction_removed" {
			t.Fatalf("expected reaction_removed, got %v", frame)
		}
	}
}

func TestProtocolErrorsStayOnSocket(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	token := signupUser(t, ts, "alice")
	roomID := createTestRoom(t, ts, token, "errors")

	conn := dialRoom(t, ts, token, fmt.Sprintf("%d", roomID))
	if frame := readFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("expected connected frame: %v", frame)
	}

	checks := []struct {
		send any
		raw  string
	}{
		{send: map[string]any{"type": "bogus"}},
		{raw: "{not json"},
		{send: map[string]any{"type": "message"}},
		{send: map[string]any{"type": "reaction", "reaction_type": "👍"}},
		{send: map[string]any{"type": "reaction", "message_id": 1, "reaction_type": "🚀"}},
		{send: map[string]any{"type": "reaction", "message_id": 1, "action": "remove"}},
	}
	for i, check := range checks {
		if check.raw != "" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(check.raw)); err != nil {
				t.Fatalf("write raw: %v", err)
			}
		} else {
			sendFrame(t, conn, check.send)
		}
		frame := readFrame(t, conn)
		if frame["type"] != "error" {
			t.Fatalf("check %d: expected error frame, got %v", i, frame)
		}
	}

	// After all those mistakes the session is still usable.
	sendFrame(t, conn, map[string]any{"type": "pong"})
	sendFrame(t, conn, map[string]any{"type": "message", "content": "still here"})
	status, _ := requestJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/rooms/%d/messages", roomID), token, nil)
	if status != http.StatusOK {
		t.Fatalf("messages after errors: status %d", status)
	}
}

func TestRoomRESTFlow(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	aliceToken := signupUser(t, ts, "alice")
	bobToken := signupUser(t, ts, "bob")
	roomID := createTestRoom(t, ts, aliceToken, "General")

	// Duplicate names are rejected case-insensitively.
	status, _ := postJSON(t, ts.URL+"/api/rooms", aliceToken, map[string]string{"name": "general"})
	if status != http.StatusConflict {
		t.Fatalf("duplicate room: status %d", status)
	}

	alice := dialRoom(t, ts, aliceToken, fmt.Sprintf("%d", roomID))
	if frame := readFrame(t, alice); frame["type"] != "connected" {
		t.Fatalf("expected connected: %v", frame)
	}
	for _, body := range []string{"one", "two", "three"} {
		sendFrame(t, alice, map[string]any{"type": "message", "content": body})
	}

	// Wait until all three messages are persisted before asserting.
	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs, err := srv.store.ListRoomMessages(t.Context(), roomID)
		if err != nil {
			t.Fatalf("ListRoomMessages: %v", err)
		}
		if len(msgs) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("messages never persisted, have %d", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, body := requestJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/rooms/%d", roomID), bobToken, nil)
	if status != http.StatusOK {
		t.Fatalf("room detail: status %d", status)
	}
	if body["unread_count"].(float64) != 3 {
		t.Fatalf("expected 3 unread for bob: %v", body)
	}

	status, markBody := postJSON(t, ts.URL+fmt.Sprintf("/api/rooms/%d/read", roomID), bobToken, nil)
	if status != http.StatusOK || markBody["marked_read"].(float64) != 3 {
		t.Fatalf("mark read: status %d body %v", status, markBody)
	}
	status, body = requestJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/rooms/%d", roomID), bobToken, nil)
	if status != http.StatusOK || body["unread_count"].(float64) != 0 {
		t.Fatalf("unread after mark: status %d body %v", status, body)
	}

	// recent honors the limit and keeps chronological order.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+fmt.Sprintf("/api/rooms/%d/messages/recent?limit=2", roomID), nil)
	req.Header.Set("Authorization", "Bearer "+bobToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	defer resp.Body.Close()
	var recent []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&recent); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(recent) != 2 || recent[0]["content"] != "two" || recent[1]["content"] != "three" {
		t.Fatalf("unexpected recent window: %v", recent)
	}

	status, _ = requestJSON(t, http.MethodGet, ts.URL+"/api/rooms/9999", bobToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("missing room: status %d", status)
	}
	status, _ = requestJSON(t, http.MethodGet, ts.URL+"/api/rooms", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("rooms without token: status %d", status)
	}
}

func TestReactionREST(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	aliceToken := signupUser(t, ts, "alice")
	roomID := createTestRoom(t, ts, aliceToken, "reactions")

	content := "react via rest"
	msg, err := srv.store.CreateMessage(t.Context(), storage.NewMessage{RoomID: roomID, SenderID: 1, Content: &content})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	status, body := requestJSON(t, http.MethodGet, ts.URL+"/api/reactions/available", aliceToken, nil)
	if status != http.StatusOK {
		t.Fatalf("available: status %d", status)
	}
	if kinds, ok := body["reactions"].([]any); !ok || len(kinds) != 6 {
		t.Fatalf("expected 6 reaction kinds: %v", body)
	}

	reactURL := ts.URL + fmt.Sprintf("/api/messages/%d/reactions", msg.ID)
	status, _ = postJSON(t, reactURL, aliceToken, map[string]string{"reaction_type": "🚀"})
	if status != http.StatusBadRequest {
		t.Fatalf("invalid reaction: status %d", status)
	}
	status, body = postJSON(t, reactURL, aliceToken, map[string]string{"reaction_type": "❤️"})
	if status != http.StatusOK {
		t.Fatalf("add reaction: status %d body %v", status, body)
	}

	status, body = requestJSON(t, http.MethodGet, reactURL, aliceToken, nil)
	if status != http.StatusOK || body["user_reaction"] != "❤️" {
		t.Fatalf("stats: status %d body %v", status, body)
	}

	status, _ = requestJSON(t, http.MethodDelete, reactURL, aliceToken, nil)
	if status != http.StatusOK {
		t.Fatalf("remove reaction: status %d", status)
	}
	status, _ = requestJSON(t, http.MethodDelete, reactURL, aliceToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("second remove: status %d", status)
	}

	status, _ = postJSON(t, ts.URL+"/api/messages/9999/reactions", aliceToken, map[string]string{"reaction_type": "❤️"})
	if status != http.StatusNotFound {
		t.Fatalf("missing message: status %d", status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	status, body := requestJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: status %d body %v", status, body)
	}

	signupUser(t, ts, "alice")
	status, body = requestJSON(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	if status != http.StatusOK {
		t.Fatalf("metrics: status %d", status)
	}
	if body["signups_total"].(float64) != 1 {
		t.Fatalf("expected one signup in metrics: %v", body)
	}
}

func TestInternalErrorClosesAndDeregisters(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	token := signupUser(t, ts, "alice")
	roomID := createTestRoom(t, ts, token, "fragile")

	conn := dialRoom(t, ts, token, fmt.Sprintf("%d", roomID))
	if frame := readFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("expected connected frame: %v", frame)
	}
	if srv.registry.Len() != 1 {
		t.Fatalf("expected 1 registered connection, got %d", srv.registry.Len())
	}

	// Kill the store so persisting the next message fails mid-session.
	if err := srv.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	sendFrame(t, conn, map[string]any{"type": "message", "content": "hi"})
	expectCloseCode(t, conn, websocket.CloseInternalServerErr)

	// The cleanup path must remove the connection immediately, without
	// waiting for the liveness sweep.
	deadline := time.Now().Add(3 * time.Second)
	for srv.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still registered after internal-error close: registry.Len()=%d", srv.registry.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
