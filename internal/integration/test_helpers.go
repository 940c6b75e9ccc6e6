package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"legalchat/internal/app"
	"legalchat/internal/auth"
	"legalchat/internal/config"
	"legalchat/pkg/chatclient"
	"legalchat/pkg/types"
)

// TestServer is a fully wired application behind an httptest listener
type TestServer struct {
	App    *app.Application
	HTTP   *httptest.Server
	tokens *auth.Manager
}

// StartTestServer boots the application on a fresh database in a temp dir
func StartTestServer(t *testing.T, mutate func(*config.Config)) *TestServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "legalchat.db")
	cfg.Log.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.Run(context.Background()); err != nil {
		t.Fatalf("Failed to run application: %v", err)
	}

	ts := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Stop(ctx); err != nil {
			t.Logf("Failed to stop application: %v", err)
		}
		ts.Close()
	})

	return &TestServer{
		App:    application,
		HTTP:   ts,
		tokens: auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
	}
}

// Token signs a bearer token for identity
func (s *TestServer) Token(t *testing.T, identity types.Identity) string {
	t.Helper()
	token, err := s.tokens.GenerateToken(identity, time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return token
}

// Dial connects a chat client as identity
func (s *TestServer) Dial(t *testing.T, identity types.Identity) *chatclient.Client {
	t.Helper()
	client := chatclient.NewClient(chatclient.Config{
		URL:   "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/ws",
		Token: s.Token(t, identity),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect %s: %v", identity.UserID, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// History returns a history fetcher authenticated as identity
func (s *TestServer) History(t *testing.T, identity types.Identity) *chatclient.HTTPHistory {
	return chatclient.NewHTTPHistory(s.HTTP.URL, s.Token(t, identity))
}

// Open joins roomKey through client and waits until the controller is ready
func (s *TestServer) Open(t *testing.T, client *chatclient.Client, identity types.Identity, roomKey string, opts chatclient.ControllerOptions) (*chatclient.Controller, error) {
	t.Helper()
	if opts.History == nil {
		opts.History = s.History(t, identity)
	}
	ctl := client.Controller(roomKey, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ctl, ctl.Open(ctx)
}

// Do issues a REST call and decodes the JSON reply into out when non-nil
func (s *TestServer) Do(t *testing.T, method, path, token string, body, out interface{}) int {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, s.HTTP.URL+path, &payload)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// WaitNotification blocks until client receives a notification of kind
func WaitNotification(t *testing.T, client *chatclient.Client, kind string) types.Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-client.Notifications():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s notification", kind)
			return types.Notification{}
		}
	}
}

// Eventually polls cond until it holds or the deadline passes
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
