package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hallpass/internal/app"
	"hallpass/internal/auth"
	"hallpass/internal/config"
	"hallpass/internal/remote"
	"hallpass/internal/session"
	"hallpass/pkg/types"
)

// environment carries configuration and lazily opened connections for one invocation
type environment struct {
	config *config.Config
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer

	client  *remote.Client
	session *session.Session
}

func loadEnvironment(stdout, stderr io.Writer) (*environment, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfigWithPrecedence(os.Getenv("HALLPASS_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if os.Getenv("HALLPASS_LOG_LEVEL") == "" {
		level = "warn"
	}
	logger, err := app.NewLogger("development", level)
	if err != nil {
		return nil, err
	}
	return &environment{config: cfg, logger: logger, stdout: stdout, stderr: stderr}, nil
}

// token returns the configured token or mints one when the signing secret is available
func (e *environment) token() (string, error) {
	if e.config.Client.Token != "" {
		return e.config.Client.Token, nil
	}
	if e.config.Auth.Secret == "" || e.config.Client.Identity == "" {
		return "", fmt.Errorf("set HALLPASS_TOKEN, or HALLPASS_AUTH_SECRET with HALLPASS_IDENTITY")
	}
	return auth.NewAccessToken(e.config.Auth.Secret, e.config.Auth.Issuer, e.config.Auth.TokenTTL, e.config.Client.Identity)
}

func (e *environment) identity() (string, error) {
	if e.config.Client.Identity != "" {
		return e.config.Client.Identity, nil
	}
	token, err := e.token()
	if err != nil {
		return "", err
	}
	if e.config.Auth.Secret == "" {
		return "", fmt.Errorf("set HALLPASS_IDENTITY to the identity of HALLPASS_TOKEN")
	}
	claims, err := auth.ParseToken(e.config.Auth.Secret, token)
	if err != nil {
		return "", err
	}
	return claims.Identity, nil
}

func (e *environment) dial(ctx context.Context) (*remote.Client, error) {
	if e.client != nil {
		return e.client, nil
	}
	token, err := e.token()
	if err != nil {
		return nil, err
	}
	cfg := remote.DefaultConfig()
	cfg.URL = e.config.Client.ServerURL
	cfg.Token = token
	cfg.RequestTimeout = e.config.Client.RequestTimeout

	client, err := remote.Dial(ctx, cfg, e.logger.Named("remote"))
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

// openSession dials, starts a session and waits for the initial snapshot; with
// requireData it also waits until at least one class has students
func (e *environment) openSession(ctx context.Context, requireData bool, onUpdate func(path string)) (*session.Session, error) {
	client, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	identity, err := e.identity()
	if err != nil {
		return nil, err
	}
	email := ""
	if strings.Contains(identity, "@") {
		email = identity
	}

	s, err := session.New(client, session.Config{
		Identity:     identity,
		Email:        email,
		AdminEmails:  e.config.Client.AdminEmails,
		Location:     e.config.Client.Location(),
		AwaitTimeout: e.config.Client.AwaitTimeout,
	}, e.logger.Named("session"))
	if err != nil {
		return nil, err
	}

	loaded := make(chan struct{})
	var once sync.Once
	if err := s.Start(ctx, onUpdate, func() { once.Do(func() { close(loaded) }) }); err != nil {
		return nil, err
	}
	e.session = s

	if requireData {
		if err := s.AwaitReady(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	timer := time.NewTimer(e.config.Client.AwaitTimeout)
	defer timer.Stop()
	select {
	case <-loaded:
		return s, nil
	case <-timer.C:
		return nil, &types.TimeoutError{Waited: e.config.Client.AwaitTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *environment) close() {
	if e.session != nil {
		e.session.Stop()
	}
	if e.client != nil {
		_ = e.client.Close()
	}
	_ = e.logger.Sync()
}
