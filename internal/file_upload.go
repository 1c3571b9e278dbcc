package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrFileTooLarge is returned when an upload exceeds the configured cap.
var ErrFileTooLarge = errors.New("file too large")

// StoredFile is the metadata kept for one uploaded blob.
type StoredFile struct {
	ID           string
	OriginalName string
	MimeType     string
	SizeBytes    int64
	UploadedBy   string
	StoragePath  string // relative to the store's base directory
	UploadedAt   time.Time
	SHA256       string
}

// FileStore is a dumb disk-backed blob store. Messages reference uploads by
// the FileRef it hands out; the chat core never looks inside file bytes.
type FileStore struct {
	mu          sync.RWMutex
	files       map[string]StoredFile
	baseDir     string
	maxFileSize int64
}

func NewFileStore(baseDir string, maxFileSize int64) *FileStore {
	return &FileStore{
		files:       make(map[string]StoredFile),
		baseDir:     baseDir,
		maxFileSize: maxFileSize,
	}
}

// Save writes the blob to disk under a uuid name and indexes its metadata.
func (fs *FileStore) Save(file multipart.File, header *multipart.FileHeader, uploadedBy string) (StoredFile, error) {
	originalName := filepath.Base(header.Filename)
	if originalName == "" || originalName == "." || originalName == ".." {
		return StoredFile{}, errors.New("invalid filename")
	}
	if header.Size > fs.maxFileSize {
		return StoredFile{}, ErrFileTooLarge
	}

	fileID := uuid.NewString()
	storageName := fmt.Sprintf("%s-%s", fileID, sanitizePathComponent(originalName))
	storagePath := filepath.Join(fs.baseDir, storageName)

	if err := os.MkdirAll(fs.baseDir, 0755); err != nil {
		return StoredFile{}, fmt.Errorf("create upload directory: %w", err)
	}
	dest, err := os.Create(storagePath)
	if err != nil {
		return StoredFile{}, fmt.Errorf("create file: %w", err)
	}
	defer dest.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dest, hasher), file)
	if err != nil {
		os.Remove(storagePath)
		return StoredFile{}, fmt.Errorf("save file: %w", err)
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(originalName))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	stored := StoredFile{
		ID:           fileID,
		OriginalName: originalName,
		MimeType:     mimeType,
		SizeBytes:    written,
		UploadedBy:   uploadedBy,
		StoragePath:  storageName,
		UploadedAt:   time.Now().UTC(),
		SHA256:       hex.EncodeToString(hasher.Sum(nil)),
	}

	fs.mu.Lock()
	fs.files[fileID] = stored
	fs.mu.Unlock()
	return stored, nil
}

// Get looks up stored metadata by file id.
func (fs *FileStore) Get(fileID string) (StoredFile, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	stored, ok := fs.files[fileID]
	return stored, ok
}

// Ref renders the metadata into the wire shape messages carry.
func (f StoredFile) Ref() FileRef {
	return FileRef{
		URL:          "/api/files/" + f.ID,
		OriginalName: f.OriginalName,
		MimeType:     f.MimeType,
	}
}

// HandleFileUpload accepts one multipart upload from an authenticated user
// and answers with the FileRef to attach to a message.
func (s *Server) HandleFileUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	identity, err := s.authenticateToken(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.files.maxFileSize)
	if err := r.ParseMultipartForm(s.files.maxFileSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, ErrFileTooLarge)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("no file provided"))
		return
	}
	defer file.Close()

	stored, err := s.files.Save(file, header, identity.ID)
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncUpload()
	writeJSON(w, http.StatusOK, stored.Ref())
}

// HandleFileDownload streams a stored blob back with its original name and
// mime type.
func (s *Server) HandleFileDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	fileID := strings.TrimPrefix(r.URL.Path, "/api/files/")
	if fileID == "" || strings.Contains(fileID, "/") {
		http.Error(w, "file ID required", http.StatusBadRequest)
		return
	}
	stored, ok := s.files.Get(fileID)
	if !ok {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	filePath := filepath.Join(s.files.baseDir, stored.StoragePath)
	absPath, err := filepath.Abs(filePath)
	if err != nil || !strings.HasPrefix(absPath, filepath.Clean(s.files.baseDir)) {
		http.Error(w, "invalid file path", http.StatusForbidden)
		return
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found on disk", http.StatusNotFound)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	defer file.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", stored.OriginalName))
	w.Header().Set("Content-Type", stored.MimeType)
	http.ServeContent(w, r, stored.OriginalName, stored.UploadedAt, file)
}

// sanitizePathComponent removes path separators and null bytes so uploaded
// names cannot escape the store directory.
func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "unnamed"
	}
	return s
}
