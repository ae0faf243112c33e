package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/universal-console/agentlink/internal/errors"
	"github.com/universal-console/agentlink/internal/logging"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	sec, err := NewSecurityManagerAt(filepath.Join(dir, "security", "master.key"))
	require.NoError(t, err)
	m, err := NewManager(
		WithPath(filepath.Join(dir, "agentlink", "profiles.yaml")),
		WithSecurityManager(sec),
		WithLogger(logging.NewNop()),
	)
	require.NoError(t, err)
	return m
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestDefaultProfileIsCreated(t *testing.T) {
	m := newTestManager(t)

	p, err := m.LoadProfile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileName, p.Name)
	assert.Equal(t, DefaultServerURL, p.ServerURL)
	assert.Equal(t, DefaultEventPath, p.EventPath)
	assert.Equal(t, []string{DefaultHealthEndpoint}, p.HealthEndpoints)
	assert.Equal(t, TransportSSE, p.Transport)

	b := p.Reconnect.Backoff()
	assert.Equal(t, time.Second, b.BaseDelay)
	assert.Equal(t, 30*time.Second, b.MaxDelay)
	assert.Equal(t, 10, b.MaxAttempts)
	assert.True(t, b.AutoReconnect)

	_, err = os.Stat(m.Path())
	assert.NoError(t, err)
}

func TestCredentialsAreEncryptedAtRest(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.SaveProfile(&Profile{
		Name:      "work",
		ServerURL: "https://agent.example.com/",
		Auth:      AuthConfig{Type: AuthBearer, Token: "s3cr3t-value-123"},
	}))
	require.NoError(t, m.SaveProfile(&Profile{
		Name:      "lab",
		ServerURL: "http://10.0.0.5:4096",
		Auth:      AuthConfig{Type: AuthBasic, Username: "ops", Password: "hunter22"},
	}))

	raw, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cr3t-value-123")
	assert.NotContains(t, string(raw), "hunter22")
	assert.Contains(t, string(raw), encryptedPrefix)

	m.InvalidateCache()
	p, err := m.LoadProfile("work")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value-123", p.Auth.Token)
	assert.Equal(t, "https://agent.example.com", p.ServerURL)

	p, err = m.LoadProfile("lab")
	require.NoError(t, err)
	assert.Equal(t, "hunter22", p.Auth.Password)

	names, err := m.ListProfiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "lab", "work"}, names)
}

func TestHandEditedFileLoads(t *testing.T) {
	m := newTestManager(t)
	yaml := `default_profile: local
profiles:
  local:
    server_url: http://localhost:4096
    transport: websocket
    health_endpoints: [/health, /app]
    auth:
      type: bearer
      token: plain-token-abc
    reconnect:
      base_delay: 250ms
      max_delay: 4s
      max_attempts: 0
      auto_reconnect: false
`
	require.NoError(t, os.WriteFile(m.Path(), []byte(yaml), 0o600))

	p, err := m.LoadProfile("")
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name)
	defName, err := m.DefaultProfile()
	require.NoError(t, err)
	assert.Equal(t, "local", defName)
	assert.Equal(t, TransportWebSocket, p.Transport)
	assert.Equal(t, []string{"/health", "/app"}, p.HealthEndpoints)
	assert.Equal(t, "plain-token-abc", p.Auth.Token)

	b := p.Reconnect.Backoff()
	assert.Equal(t, 250*time.Millisecond, b.BaseDelay)
	assert.Equal(t, 4*time.Second, b.MaxDelay)
	assert.Equal(t, 0, b.MaxAttempts)
	assert.False(t, b.AutoReconnect)
}

func TestValidateProfileReportsAllProblems(t *testing.T) {
	p := &Profile{
		Name:      "bad",
		ServerURL: "ftp://x",
		Transport: "carrier-pigeon",
		Auth:      AuthConfig{Type: AuthBearer},
		Reconnect: ReconnectConfig{BaseDelay: 5 * time.Second, MaxDelay: time.Second, MaxAttempts: intPtr(-1)},
	}
	p.ApplyDefaults()

	err := ValidateProfile(p)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"http or https", "unsupported transport", "bearer token", "max_delay", "max_attempts"} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
	}

	var ce *apperrors.ContextualError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, apperrors.ErrorTypeValidation, ce.Type)
	assert.False(t, ce.IsRecoverable())
}

func TestMalformedFileIsConfigurationError(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.Path(), []byte("profiles: [not, a, map"), 0o600))

	_, err := m.LoadProfile("")
	require.Error(t, err)
	var ce *apperrors.ContextualError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, apperrors.ErrorTypeConfiguration, ce.Type)
	assert.Equal(t, "load", ce.Operation)
}

func TestValidProfilePasses(t *testing.T) {
	p := &Profile{
		Name:      "ok",
		ServerURL: "http://localhost:4096",
		Auth:      AuthConfig{Type: AuthBasic, Username: "me"},
		Reconnect: ReconnectConfig{AutoReconnect: boolPtr(true)},
	}
	p.ApplyDefaults()
	assert.NoError(t, ValidateProfile(p))
}

func TestDeleteProfile(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SaveProfile(&Profile{Name: "tmp", ServerURL: "http://h:1"}))

	require.Error(t, m.DeleteProfile(DefaultProfileName))
	require.ErrorIs(t, m.DeleteProfile("missing"), ErrProfileNotFound)
	require.NoError(t, m.DeleteProfile("tmp"))

	_, err := m.LoadProfile("tmp")
	require.ErrorIs(t, err, ErrProfileNotFound)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sec, err := NewSecurityManagerAt(filepath.Join(t.TempDir(), "k", "master.key"))
	require.NoError(t, err)

	enc, err := sec.EncryptCredential("value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, encryptedPrefix))

	again, err := sec.EncryptCredential(enc)
	require.NoError(t, err)
	assert.Equal(t, enc, again)

	dec, err := sec.DecryptCredential(enc)
	require.NoError(t, err)
	assert.Equal(t, "value", dec)

	plain, err := sec.DecryptCredential("not-encrypted")
	require.NoError(t, err)
	assert.Equal(t, "not-encrypted", plain)

	// A second manager over the same key file derives the same key.
	sec2, err := NewSecurityManagerAt(sec.keyPath)
	require.NoError(t, err)
	dec, err = sec2.DecryptCredential(enc)
	require.NoError(t, err)
	assert.Equal(t, "value", dec)

	require.NoError(t, sec.ClearSecurityData())
	_, err = sec.DecryptCredential(enc)
	assert.ErrorIs(t, err, errKeyUnavailable)
}

func TestWatchReloadsOnChange(t *testing.T) {
	m := newTestManager(t)
	_, err := m.LoadProfile("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Profile, 4)
	done := make(chan error, 1)
	go func() {
		done <- m.Watch(ctx, "", func(p *Profile, err error) {
			if err == nil {
				got <- p
			}
		})
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	attempts := 3
	require.NoError(t, m.SaveProfile(&Profile{
		Name:      DefaultProfileName,
		ServerURL: "http://127.0.0.1:5000",
		Reconnect: ReconnectConfig{MaxAttempts: &attempts},
	}))

	select {
	case p := <-got:
		assert.Equal(t, "http://127.0.0.1:5000", p.ServerURL)
		assert.Equal(t, 3, p.Reconnect.Backoff().MaxAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	require.NoError(t, <-done)
}
