package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var httpTimeout = 5 * time.Second

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

func apiSignup(baseURL, username, password string) (*authResponse, error) {
	payload := map[string]string{"username": username, "password": password}
	var resp authResponse
	if err := doJSONRequest(http.MethodPost, baseURL+"/api/auth/signup", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiLogin(baseURL, username, password string) (*authResponse, error) {
	payload := map[string]string{"username": username, "password": password}
	var resp authResponse
	if err := doJSONRequest(http.MethodPost, baseURL+"/api/auth/login", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiListRooms(baseURL, token string) ([]roomInfo, error) {
	var rooms []roomInfo
	if err := doJSONRequest(http.MethodGet, baseURL+"/api/rooms", token, nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func apiCreateRoom(baseURL, token, name string) (*roomInfo, error) {
	payload := map[string]string{"name": name}
	var room roomInfo
	if err := doJSONRequest(http.MethodPost, baseURL+"/api/rooms", token, payload, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func apiMarkRoomRead(baseURL, token string, roomID int64) error {
	path := baseURL + "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/read"
	return doJSONRequest(http.MethodPost, path, token, nil, nil)
}

func doJSONRequest(method, endpoint, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// chatSocketURL derives the websocket endpoint for a room from the HTTP base.
func chatSocketURL(baseURL, token string, roomID int64) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = "/ws/chat/" + strconv.FormatInt(roomID, 10)
	parsed.RawQuery = url.Values{"token": {token}}.Encode()
	return parsed.String(), nil
}
