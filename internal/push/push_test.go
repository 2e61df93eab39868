package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/avolkov/chatrelay/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.PushConfig{
		Enabled:  true,
		Endpoint: srv.URL,
		Timeout:  5 * time.Second,
	}, nil)
}

func TestSendPostsExpoMessage(t *testing.T) {
	var got map[string]any
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	})

	err := c.Send(context.Background(), "ExponentPushToken[abc]", "Alice", "Incoming call",
		map[string]any{"type": "call"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["to"] != "ExponentPushToken[abc]" || got["title"] != "Alice" || got["body"] != "Incoming call" {
		t.Errorf("message = %v", got)
	}
	if got["sound"] != "default" {
		t.Errorf("sound = %v", got["sound"])
	}
	android := got["android"].(map[string]any)
	if android["channelId"] != "default" {
		t.Errorf("android = %v", android)
	}
}

func TestSendSkipsNonExpoToken(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a non-Expo token")
	})

	if err := c.Send(context.Background(), "apns-token", "t", "b", nil); err != nil {
		t.Errorf("Send: %v", err)
	}
	if err := c.Send(context.Background(), "", "t", "b", nil); err != nil {
		t.Errorf("Send empty token: %v", err)
	}
}

func TestSendDisabled(t *testing.T) {
	c := New(config.PushConfig{Enabled: false, Endpoint: "http://127.0.0.1:1", Timeout: time.Second}, nil)
	if err := c.Send(context.Background(), "ExponentPushToken[abc]", "t", "b", nil); err != nil {
		t.Errorf("disabled Send: %v", err)
	}
}

func TestSendErrorStatus(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})

	if err := c.Send(context.Background(), "ExponentPushToken[abc]", "t", "b", nil); err == nil {
		t.Error("expected error for non-2xx response")
	}
}
