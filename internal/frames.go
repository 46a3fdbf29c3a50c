package internal

import (
	"regexp"
	"time"

	"roomchat/internal/storage"
)

// Inbound frames are a discriminated union on the "type" field. Pointer
// fields distinguish "absent" from "present but empty", which matters for the
// content/file_url/attachment requirement on message frames.
type inboundFrame struct {
	Type        string      `json:"type"`
	Content     *string     `json:"content,omitempty"`
	MessageType string      `json:"message_type,omitempty"`
	FileURL     *string     `json:"file_url,omitempty"`
	FileName    *string     `json:"file_name,omitempty"`
	FileSize    *int64      `json:"file_size,omitempty"`
	MimeType    *string     `json:"mime_type,omitempty"`
	Attachment  *attachment `json:"attachment,omitempty"`

	// reaction frames
	MessageID    int64  `json:"message_id,omitempty"`
	ReactionType string `json:"reaction_type,omitempty"`
	Action       string `json:"action,omitempty"`
}

type attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// fileFields is the merged view of a message frame's media metadata.
type fileFields struct {
	URL      string
	Name     string
	Size     int64
	MimeType string
}

// mergeFileFields applies the two-level fallback: top-level file fields win,
// the attachment object fills the gaps.
func mergeFileFields(frame *inboundFrame) fileFields {
	var merged fileFields
	if frame.FileURL != nil {
		merged.URL = *frame.FileURL
	}
	if frame.FileName != nil {
		merged.Name = *frame.FileName
	}
	if frame.FileSize != nil {
		merged.Size = *frame.FileSize
	}
	if frame.MimeType != nil {
		merged.MimeType = *frame.MimeType
	}
	if att := frame.Attachment; att != nil {
		if merged.URL == "" {
			merged.URL = att.URL
		}
		if merged.Name == "" {
			merged.Name = att.Filename
		}
		if merged.Size == 0 {
			merged.Size = att.Size
		}
		if merged.MimeType == "" {
			merged.MimeType = att.MimeType
		}
	}
	merged.URL = canonicalFileURL(merged.URL)
	return merged
}

var fileURLPattern = regexp.MustCompile(`/api/files/([^/?#]+)`)

// canonicalFileURL reduces an absolute URL pointing at the file-serving
// endpoint to its relative path, so stored URLs survive host changes.
func canonicalFileURL(fileURL string) string {
	if fileURL == "" || fileURL[0] == '/' {
		return fileURL
	}
	if match := fileURLPattern.FindString(fileURL); match != "" {
		return match
	}
	return fileURL
}

// Outbound frames.

type connectedFrame struct {
	Type      string `json:"type"`
	RoomID    int64  `json:"room_id"`
	RoomName  string `json:"room_name"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type userJoinedFrame struct {
	Type      string `json:"type"`
	RoomID    int64  `json:"room_id"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type messageFrame struct {
	Type         string            `json:"type"`
	RoomID       int64             `json:"room_id"`
	MessageID    int64             `json:"message_id"`
	Sender       string            `json:"sender"`
	Message      *string           `json:"message"`
	MessageType  string            `json:"message_type"`
	FileURL      *string           `json:"file_url"`
	FileName     *string           `json:"file_name"`
	FileSize     *int64            `json:"file_size"`
	MimeType     *string           `json:"mime_type"`
	Timestamp    string            `json:"timestamp"`
	Reactions    []ReactionSummary `json:"reactions"`
	UserReaction *string           `json:"user_reaction"`
}

type typingFrame struct {
	Type      string `json:"type"`
	RoomID    int64  `json:"room_id"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type reactionFrame struct {
	Type            string            `json:"type"`
	RoomID          int64             `json:"room_id"`
	MessageID       int64             `json:"message_id"`
	Sender          string            `json:"sender"`
	ReactionType    string            `json:"reaction_type"`
	ReactionSummary []ReactionSummary `json:"reaction_summary"`
	Timestamp       string            `json:"timestamp"`
}

type pingFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// newMessageFrame builds the broadcast payload for a freshly persisted
// message. user_reaction is always null here: a new message cannot carry one.
func newMessageFrame(msg *storage.Message, reactions []ReactionSummary) messageFrame {
	frame := messageFrame{
		Type:        "message",
		RoomID:      msg.RoomID,
		MessageID:   msg.ID,
		Sender:      msg.SenderName,
		MessageType: msg.MessageType,
		Timestamp:   msg.Timestamp.Format(time.RFC3339),
		Reactions:   reactions,
	}
	if msg.HasContent {
		content := msg.Content
		frame.Message = &content
	}
	if msg.FileURL != "" {
		frame.FileURL = &msg.FileURL
	}
	if msg.FileName != "" {
		frame.FileName = &msg.FileName
	}
	if msg.FileSize != 0 {
		size := msg.FileSize
		frame.FileSize = &size
	}
	if msg.MimeType != "" {
		frame.MimeType = &msg.MimeType
	}
	return frame
}
