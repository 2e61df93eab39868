// Package upload serves attachment storage: multipart uploads into
// named buckets and read-back of stored objects.
package upload

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/avolkov/chatrelay/internal/blob"
	"github.com/avolkov/chatrelay/internal/store"
)

// Handlers serves /upload and the bucket read endpoints.
type Handlers struct {
	Blobs       blob.Store
	Store       *store.Store
	MaxFileSize int64
	BaseURL     string
}

// NewHandlers wires the upload endpoints. baseURL is the public
// address clients use to fetch objects back.
func NewHandlers(b blob.Store, s *store.Store, maxFileSize int64, baseURL string) *Handlers {
	return &Handlers{
		Blobs:       b,
		Store:       s,
		MaxFileSize: maxFileSize,
		BaseURL:     strings.TrimRight(baseURL, "/"),
	}
}

// Routes registers the upload endpoints. Writes sit behind auth,
// reads are open so avatar URLs work in clients without a token.
func (h *Handlers) Routes(mux *http.ServeMux, requireAuth func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /upload", requireAuth(h.handleUpload))
	for _, bucket := range blob.AllowedBuckets {
		mux.HandleFunc("GET /"+bucket+"/{name}", h.handleFetch)
	}
}

// handleUpload accepts one multipart file under the "file" field and
// stores it in the requested bucket under a fresh random name. When a
// chat_id field accompanies the upload, the object is recorded against
// the chat so it can be cleaned up when the chat is deleted.
func (h *Handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxFileSize)
	if err := r.ParseMultipartForm(h.MaxFileSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	defer r.MultipartForm.RemoveAll()

	bucket := r.FormValue("bucket")
	if !blob.BucketAllowed(bucket) {
		writeError(w, http.StatusBadRequest, "unknown bucket")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	name := objectName(header)
	if err := h.Blobs.Put(r.Context(), bucket, name, file); err != nil {
		slog.Error("upload: store object", "bucket", bucket, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store file")
		return
	}

	if raw := r.FormValue("chat_id"); raw != "" {
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || chatID <= 0 {
			writeError(w, http.StatusBadRequest, "chat_id must be a positive integer")
			return
		}
		if _, err := h.Store.AddChatFile(r.Context(), chatID, name, bucket); err != nil {
			slog.Error("upload: record chat file", "chat_id", chatID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not record file")
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "file uploaded",
		"url":     h.BaseURL + "/" + bucket + "/" + name,
	})
}

func (h *Handlers) handleFetch(w http.ResponseWriter, r *http.Request) {
	bucket := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)[0]
	name := r.PathValue("name")

	rc, err := h.Blobs.Open(r.Context(), bucket, name)
	if errors.Is(err, blob.ErrInvalidName) {
		writeError(w, http.StatusBadRequest, "invalid object name")
		return
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		slog.Debug("upload: stream object", "bucket", bucket, "name", name, "error", err)
	}
}

// objectName derives a collision-free stored name, keeping the
// original extension so clients can guess the content type.
func objectName(header *multipart.FileHeader) string {
	ext := path.Ext(header.Filename)
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	return uuid.NewString() + ext
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}
