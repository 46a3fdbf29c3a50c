package internal

import (
	"errors"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrFileTooLarge is returned when an upload exceeds the configured limit.
var ErrFileTooLarge = errors.New("file exceeds size limit")

// FileStore keeps uploaded files on disk, bucketed by media category so the
// directory tree stays browsable. Stored names are random, so uploads can
// never collide or overwrite each other.
type FileStore struct {
	root     string
	maxBytes int64
}

func NewFileStore(root string, maxBytes int64) *FileStore {
	return &FileStore{root: root, maxBytes: maxBytes}
}

type storedFile struct {
	Name        string
	Size        int64
	MimeType    string
	MessageType string
	URL         string
}

// categorize maps a MIME type to its storage bucket and message type.
func categorize(mimeType string) (dir, messageType string) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "images", "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos", "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio", "audio"
	default:
		return "documents", "file"
	}
}

// Save writes the upload under a fresh random name and returns its metadata.
func (fs *FileStore) Save(file multipart.File, header *multipart.FileHeader) (*storedFile, error) {
	if header.Size > fs.maxBytes {
		return nil, ErrFileTooLarge
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(header.Filename))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	dir, messageType := categorize(mimeType)
	if err := os.MkdirAll(filepath.Join(fs.root, dir), 0o755); err != nil {
		return nil, err
	}
	name := uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename))
	path := filepath.Join(fs.root, dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer dst.Close()
	// LimitReader guards against a lying Content-Length on streamed parts.
	written, err := io.Copy(dst, io.LimitReader(file, fs.maxBytes+1))
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if written > fs.maxBytes {
		os.Remove(path)
		return nil, ErrFileTooLarge
	}
	return &storedFile{
		Name:        name,
		Size:        written,
		MimeType:    mimeType,
		MessageType: messageType,
		URL:         "/api/files/" + name,
	}, nil
}

// Lookup finds a stored file by name, searching every bucket.
func (fs *FileStore) Lookup(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) {
		return "", false
	}
	for _, dir := range []string{"images", "videos", "audio", "documents"} {
		path := filepath.Join(fs.root, dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.serveUpload(w, r, false)
}

// handleUploadImage is the image-only variant kept for older clients that
// predate generic attachments.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	s.serveUpload(w, r, true)
}

func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request, imageOnly bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	identity := s.requireAuth(w, r)
	if identity == nil {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.maxBytes+4096)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' required")
		return
	}
	defer file.Close()
	if imageOnly && !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		writeError(w, http.StatusBadRequest, "only image uploads are accepted here")
		return
	}
	stored, err := s.uploads.Save(file, header)
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds size limit")
			return
		}
		log.Printf("store upload: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	log.Printf("%s uploaded %s (%d bytes)", identity.Username, stored.Name, stored.Size)
	writeJSON(w, http.StatusCreated, map[string]any{
		"file_url":     stored.URL,
		"file_name":    header.Filename,
		"file_size":    stored.Size,
		"mime_type":    stored.MimeType,
		"message_type": stored.MessageType,
	})
}

func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/files/")
	path, ok := s.uploads.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}
