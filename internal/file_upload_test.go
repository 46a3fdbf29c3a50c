package internal

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
)

func uploadFile(t *testing.T, ts *httptest.Server, endpoint, token, filename, contentType string, data []byte) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+endpoint, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func TestUploadAndServeRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	token := signupUser(t, ts, "alice")
	payload := []byte("fake png bytes")

	status, body := uploadFile(t, ts, "/api/upload", token, "cat.png", "image/png", payload)
	if status != http.StatusCreated {
		t.Fatalf("upload: status %d body %v", status, body)
	}
	if body["message_type"] != "image" {
		t.Fatalf("png should classify as image: %v", body)
	}
	if body["file_name"] != "cat.png" {
		t.Fatalf("original name should be echoed: %v", body)
	}
	fileURL, _ := body["file_url"].(string)
	if fileURL == "" {
		t.Fatalf("missing file_url: %v", body)
	}

	resp, err := http.Get(ts.URL + fileURL)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: status %d", resp.StatusCode)
	}
	served, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(served, payload) {
		t.Fatalf("served bytes differ from upload")
	}
}

func TestUploadClassification(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	token := signupUser(t, ts, "alice")

	cases := []struct {
		filename    string
		contentType string
		want        string
	}{
		{"clip.mp4", "video/mp4", "video"},
		{"note.ogg", "audio/ogg", "audio"},
		{"report.pdf", "application/pdf", "file"},
	}
	for _, tc := range cases {
		status, body := uploadFile(t, ts, "/api/upload", token, tc.filename, tc.contentType, []byte("data"))
		if status != http.StatusCreated {
			t.Fatalf("%s: status %d body %v", tc.filename, status, body)
		}
		if body["message_type"] != tc.want {
			t.Fatalf("%s: expected %q, got %v", tc.filename, tc.want, body["message_type"])
		}
	}
}

func TestUploadImageEndpointRejectsOtherTypes(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	token := signupUser(t, ts, "alice")

	status, _ := uploadFile(t, ts, "/api/upload-image", token, "doc.txt", "text/plain", []byte("hello"))
	if status != http.StatusBadRequest {
		t.Fatalf("expected rejection, got %d", status)
	}
	status, _ = uploadFile(t, ts, "/api/upload-image", token, "cat.png", "image/png", []byte("img"))
	if status != http.StatusCreated {
		t.Fatalf("image should pass, got %d", status)
	}
}

func TestUploadSizeLimit(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{MaxUploadBytes: 64})
	token := signupUser(t, ts, "alice")

	status, _ := uploadFile(t, ts, "/api/upload", token, "big.bin", "application/octet-stream", bytes.Repeat([]byte("x"), 256))
	if status != http.StatusRequestEntityTooLarge && status != http.StatusBadRequest {
		t.Fatalf("oversized upload: status %d", status)
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	status, _ := uploadFile(t, ts, "/api/upload", "bad-token", "cat.png", "image/png", []byte("img"))
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestServeFileRejectsTraversal(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	resp, err := http.Get(ts.URL + "/api/files/..%2f..%2fetc%2fpasswd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("traversal must not be served")
	}
}
