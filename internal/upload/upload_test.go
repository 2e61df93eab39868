package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/avolkov/chatrelay/internal/blob"
	"github.com/avolkov/chatrelay/internal/store"
)

func newUploadServer(t *testing.T, maxSize int64) (*httptest.Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	blobs, err := blob.NewDirStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	h := NewHandlers(blobs, st, maxSize, "http://localhost:3002/")
	mux := http.NewServeMux()
	h.Routes(mux, func(next http.HandlerFunc) http.HandlerFunc { return next })

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func multipartBody(t *testing.T, fields map[string]string, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadAndFetchRoundTrip(t *testing.T) {
	srv, _ := newUploadServer(t, 1<<20)

	body, contentType := multipartBody(t, map[string]string{"bucket": "photos"}, "pic.jpg", []byte("jpeg-bytes"))
	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: got %d", resp.StatusCode)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.URL, "/photos/") || !strings.HasSuffix(out.URL, ".jpg") {
		t.Fatalf("url: got %q", out.URL)
	}

	u, err := url.Parse(out.URL)
	if err != nil {
		t.Fatal(err)
	}
	got, err := http.Get(srv.URL + u.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("fetch: got %d", got.StatusCode)
	}
	data, _ := io.ReadAll(got.Body)
	if string(data) != "jpeg-bytes" {
		t.Fatalf("fetch body: got %q", data)
	}
}

func TestUploadRejectsUnknownBucket(t *testing.T) {
	srv, _ := newUploadServer(t, 1<<20)

	body, contentType := multipartBody(t, map[string]string{"bucket": "secrets"}, "a.txt", []byte("x"))
	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	srv, _ := newUploadServer(t, 256)

	body, contentType := multipartBody(t, map[string]string{"bucket": "files"}, "big.bin", make([]byte, 4096))
	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("got %d, want 413", resp.StatusCode)
	}
}

func TestUploadRecordsChatFile(t *testing.T) {
	srv, st := newUploadServer(t, 1<<20)
	ctx := context.Background()

	u1, err := st.CreateUser(ctx, store.NewUser{Username: "a", Surname: "a", Email: "a@example.com", PasswordHash: "x", ConfirmToken: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	u2, err := st.CreateUser(ctx, store.NewUser{Username: "b", Surname: "b", Email: "b@example.com", PasswordHash: "x", ConfirmToken: "t2"})
	if err != nil {
		t.Fatal(err)
	}
	chat, err := st.CreateChat(ctx, store.ChatPrivate, "", []int64{u1.ID, u2.ID})
	if err != nil {
		t.Fatal(err)
	}

	body, contentType := multipartBody(t, map[string]string{
		"bucket":  "files",
		"chat_id": strconv.FormatInt(chat.ID, 10),
	}, "doc.pdf", []byte("pdf"))
	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("got %d", resp.StatusCode)
	}

	files, err := st.FilesForChat(ctx, chat.ID)
	if err != nil || len(files) != 1 {
		t.Fatalf("chat files: %v, %v", files, err)
	}
	if files[0].Bucket != "files" || !strings.HasSuffix(files[0].FileName, ".pdf") {
		t.Fatalf("recorded file: %+v", files[0])
	}
}

func TestFetchMissingObject(t *testing.T) {
	srv, _ := newUploadServer(t, 1<<20)

	resp, err := http.Get(srv.URL + "/avatars/nope.png")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.StatusCode)
	}
}
