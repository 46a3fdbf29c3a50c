package internal

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"roomchat/internal/storage"
)

func strPtr(s string) *string { return &s }

func TestMergeFileFieldsFallback(t *testing.T) {
	frame := &inboundFrame{
		FileURL: strPtr("http://example.com/api/files/top.png"),
		Attachment: &attachment{
			URL:      "http://example.com/api/files/nested.png",
			Filename: "nested.png",
			Size:     512,
			MimeType: "image/png",
		},
	}
	merged := mergeFileFields(frame)
	if merged.URL != "/api/files/top.png" {
		t.Fatalf("top-level url should win, got %q", merged.URL)
	}
	if merged.Name != "nested.png" || merged.Size != 512 || merged.MimeType != "image/png" {
		t.Fatalf("attachment should fill the gaps: %+v", merged)
	}
}

func TestMergeFileFieldsAttachmentOnly(t *testing.T) {
	frame := &inboundFrame{
		Attachment: &attachment{
			URL:      "/api/files/only.pdf",
			Filename: "report.pdf",
			Size:     1024,
			MimeType: "application/pdf",
		},
	}
	merged := mergeFileFields(frame)
	if merged.URL != "/api/files/only.pdf" || merged.Name != "report.pdf" {
		t.Fatalf("unexpected merge: %+v", merged)
	}
}

func TestCanonicalFileURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/api/files/abc.png", "/api/files/abc.png"},
		{"http://localhost:8080/api/files/abc.png", "/api/files/abc.png"},
		{"https://chat.example.com/api/files/abc.png?sig=x", "/api/files/abc.png"},
		{"http://example.com/elsewhere/file.png", "http://example.com/elsewhere/file.png"},
	}
	for _, tc := range cases {
		if got := canonicalFileURL(tc.in); got != tc.want {
			t.Errorf("canonicalFileURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMessageFrameNulls(t *testing.T) {
	msg := &storage.Message{
		ID:          7,
		RoomID:      3,
		SenderID:    1,
		SenderName:  "alice",
		MessageType: "image",
		FileURL:     "/api/files/cat.png",
		FileName:    "cat.png",
		FileSize:    2048,
		MimeType:    "image/png",
		Timestamp:   time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	encoded, err := json.Marshal(newMessageFrame(msg, []ReactionSummary{}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload := string(encoded)
	if !strings.Contains(payload, `"message":null`) {
		t.Fatalf("content-less message should serialize null content: %s", payload)
	}
	if !strings.Contains(payload, `"user_reaction":null`) {
		t.Fatalf("fresh message should have null user_reaction: %s", payload)
	}
	if !strings.Contains(payload, `"reactions":[]`) {
		t.Fatalf("fresh message should have empty reactions array: %s", payload)
	}
	if !strings.Contains(payload, `"file_size":2048`) {
		t.Fatalf("file size missing: %s", payload)
	}
}

func TestMessageFrameTextContent(t *testing.T) {
	msg := &storage.Message{
		ID:          8,
		RoomID:      3,
		SenderName:  "bob",
		Content:     "hi there",
		HasContent:  true,
		MessageType: "text",
		Timestamp:   time.Now(),
	}
	encoded, err := json.Marshal(newMessageFrame(msg, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload := string(encoded)
	if !strings.Contains(payload, `"message":"hi there"`) {
		t.Fatalf("content missing: %s", payload)
	}
	if !strings.Contains(payload, `"file_url":null`) {
		t.Fatalf("text message should have null file_url: %s", payload)
	}
}
