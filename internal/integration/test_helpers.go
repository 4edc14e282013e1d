package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hallpass/internal/app"
	"hallpass/internal/auth"
	"hallpass/internal/config"
	"hallpass/internal/remote"
	"hallpass/internal/session"
)

const (
	testSecret = "integration-test-secret"
	adminEmail = "head@school.es"
)

// testStack is a running server plus the settings clients need to reach it
type testStack struct {
	app    *app.Application
	config *config.Config
	url    string
}

// startStack runs the whole server on an ephemeral port with a temp database
func startStack(t *testing.T) *testStack {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "hallpass.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Auth.Secret = testSecret
	cfg.Retention.Enabled = false

	application, err := app.NewApplication(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	stack := &testStack{app: application, config: cfg, url: "ws://" + application.GetAddr() + "/ws"}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })
	return stack
}

// dial connects a remote client authenticated as identity
func (s *testStack) dial(t *testing.T, identity string) *remote.Client {
	t.Helper()
	token, err := auth.NewAccessToken(testSecret, s.config.Auth.Issuer, time.Hour, identity)
	if err != nil {
		t.Fatalf("Failed to mint token: %v", err)
	}
	cfg := remote.DefaultConfig()
	cfg.URL = s.url
	cfg.Token = token
	cfg.ReconnectMin = 50 * time.Millisecond
	cfg.ReconnectMax = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := remote.Dial(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// openSession starts a session for email and waits for the initial snapshot
func (s *testStack) openSession(t *testing.T, email string) *session.Session {
	t.Helper()
	client := s.dial(t, email)
	sess, err := session.New(client, session.Config{
		Identity:     email,
		Email:        email,
		AdminEmails:  []string{adminEmail},
		Location:     time.UTC,
		AwaitTimeout: 3 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	loaded := make(chan struct{})
	if err := sess.Start(context.Background(), nil, func() { close(loaded) }); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	t.Cleanup(sess.Stop)

	select {
	case <-loaded:
	case <-time.After(3 * time.Second):
		t.Fatalf("Session for %s never loaded", email)
	}
	return sess
}

// eventually polls cond until it holds or the deadline passes
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}
