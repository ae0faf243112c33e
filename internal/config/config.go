// Package config manages connection profiles stored as YAML. Credentials are
// encrypted at rest with SecurityManager.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/universal-console/agentlink/internal/backoff"
	apperrors "github.com/universal-console/agentlink/internal/errors"
	"github.com/universal-console/agentlink/internal/logging"
)

// DefaultProfileName is used when no profile is requested.
const DefaultProfileName = "default"

// Transport names
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Auth types
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
)

// Defaults applied to missing profile fields.
const (
	DefaultServerURL          = "http://127.0.0.1:4096"
	DefaultEventPath          = "/event"
	DefaultHealthEndpoint     = "/health"
	DefaultHealthTimeout      = 2 * time.Second
	DefaultRequestTimeout     = 10 * time.Second
	DefaultOptimisticDeadline = 5 * time.Second
)

// ErrProfileNotFound is returned when a named profile does not exist.
var ErrProfileNotFound = errors.New("profile not found")

// AuthConfig holds credentials for one profile.
type AuthConfig struct {
	Type     string `yaml:"type"`
	Token    string `yaml:"token,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// ReconnectConfig controls the reconnect loop. AutoReconnect is a pointer
// so that an omitted key keeps the default of true.
type ReconnectConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay      time.Duration `yaml:"max_delay,omitempty"`
	MaxAttempts   *int          `yaml:"max_attempts,omitempty"`
	AutoReconnect *bool         `yaml:"auto_reconnect,omitempty"`
}

// Backoff converts the settings into a backoff configuration, filling
// defaults for unset fields.
func (r ReconnectConfig) Backoff() backoff.Config {
	cfg := backoff.DefaultConfig()
	if r.BaseDelay > 0 {
		cfg.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		cfg.MaxDelay = r.MaxDelay
	}
	if r.MaxAttempts != nil {
		cfg.MaxAttempts = *r.MaxAttempts
	}
	if r.AutoReconnect != nil {
		cfg.AutoReconnect = *r.AutoReconnect
	}
	return cfg
}

// Profile describes how to reach one agent server.
type Profile struct {
	Name               string          `yaml:"-"`
	ServerURL          string          `yaml:"server_url"`
	EventPath          string          `yaml:"event_path,omitempty"`
	Transport          string          `yaml:"transport,omitempty"`
	HealthEndpoints    []string        `yaml:"health_endpoints,omitempty"`
	HealthTimeout      time.Duration   `yaml:"health_timeout,omitempty"`
	RequestTimeout     time.Duration   `yaml:"request_timeout,omitempty"`
	OptimisticDeadline time.Duration   `yaml:"optimistic_deadline,omitempty"`
	Directory          string          `yaml:"directory,omitempty"`
	Auth               AuthConfig      `yaml:"auth"`
	Reconnect          ReconnectConfig `yaml:"reconnect,omitempty"`
}

// ApplyDefaults fills unset fields.
func (p *Profile) ApplyDefaults() {
	if p.ServerURL == "" {
		p.ServerURL = DefaultServerURL
	}
	p.ServerURL = strings.TrimRight(p.ServerURL, "/")
	if p.EventPath == "" {
		p.EventPath = DefaultEventPath
	}
	if p.Transport == "" {
		p.Transport = TransportSSE
	}
	if len(p.HealthEndpoints) == 0 {
		p.HealthEndpoints = []string{DefaultHealthEndpoint}
	}
	if p.HealthTimeout <= 0 {
		p.HealthTimeout = DefaultHealthTimeout
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}
	if p.OptimisticDeadline <= 0 {
		p.OptimisticDeadline = DefaultOptimisticDeadline
	}
	if p.Auth.Type == "" {
		p.Auth.Type = AuthNone
	}
}

// File is the on-disk layout.
type File struct {
	DefaultProfile string             `yaml:"default_profile,omitempty"`
	Profiles       map[string]Profile `yaml:"profiles"`
}

// Manager loads and stores profiles.
type Manager struct {
	configPath string
	security   SecurityManager
	logger     *logging.Logger

	mu     sync.Mutex
	cached *File
}

type Option func(*Manager)

// WithPath overrides the configuration file location.
func WithPath(path string) Option {
	return func(m *Manager) {
		m.configPath = path
	}
}

func WithSecurityManager(s SecurityManager) Option {
	return func(m *Manager) {
		m.security = s
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager for the default path
// ($XDG_CONFIG_HOME/agentlink/profiles.yaml) unless WithPath is given.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{logger: logging.GetConfigLogger()}
	for _, opt := range opts {
		opt(m)
	}

	if m.configPath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to determine configuration path: %w", err)
		}
		m.configPath = p
	}
	if m.security == nil {
		s, err := NewSecurityManager()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security manager: %w", err)
		}
		m.security = s
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create configuration directory: %w", err)
	}
	return m, nil
}

func defaultConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentlink", "profiles.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "agentlink", "profiles.yaml"), nil
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.configPath
}

// InvalidateCache forces the next access to re-read the file.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
}

func (m *Manager) load() (*File, error) {
	if m.cached != nil {
		return m.cached, nil
	}

	data, err := os.ReadFile(m.configPath)
	if errors.Is(err, os.ErrNotExist) {
		f := defaultFile()
		if err := m.save(f); err != nil {
			return nil, fmt.Errorf("failed to create default configuration: %w", err)
		}
		m.cached = f
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, apperrors.NewConfigurationError("config").
			WithOperation("load").
			WithMessagef("failed to parse %s", m.configPath).
			WithCause(err).
			WithRecoverable(false).
			WithoutStackTrace().
			Silent().
			Build()
	}
	if f.Profiles == nil {
		f.Profiles = make(map[string]Profile)
	}

	chain := apperrors.NewErrorChain()
	for name, p := range f.Profiles {
		if err := m.decryptAuth(&p.Auth); err != nil {
			chain.Add(fmt.Errorf("profile %s: %w", name, err))
			continue
		}
		f.Profiles[name] = p
	}
	if chain.HasErrors() {
		return nil, apperrors.NewConfigurationError("config").
			WithOperation("load").
			WithMessage("failed to decrypt credentials").
			WithCause(chain.Join()).
			WithRecoverable(false).
			WithoutStackTrace().
			Silent().
			Build()
	}

	m.cached = &f
	return &f, nil
}

func (m *Manager) save(f *File) error {
	out := File{DefaultProfile: f.DefaultProfile, Profiles: make(map[string]Profile, len(f.Profiles))}
	for name, p := range f.Profiles {
		if err := m.encryptAuth(&p.Auth); err != nil {
			return fmt.Errorf("failed to encrypt credentials for profile %s: %w", name, err)
		}
		out.Profiles[name] = p
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	// Write then rename so watchers never observe a half-written file.
	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	if err := os.Rename(tmp, m.configPath); err != nil {
		return fmt.Errorf("failed to replace configuration file: %w", err)
	}
	return nil
}

func (m *Manager) encryptAuth(a *AuthConfig) error {
	var err error
	switch a.Type {
	case AuthBearer:
		if a.Token != "" {
			a.Token, err = m.security.EncryptCredential(a.Token)
		}
	case AuthBasic:
		if a.Password != "" {
			a.Password, err = m.security.EncryptCredential(a.Password)
		}
	}
	return err
}

func (m *Manager) decryptAuth(a *AuthConfig) error {
	var err error
	switch a.Type {
	case AuthBearer:
		if a.Token != "" {
			a.Token, err = m.security.DecryptCredential(a.Token)
		}
	case AuthBasic:
		if a.Password != "" {
			a.Password, err = m.security.DecryptCredential(a.Password)
		}
	}
	return err
}

func defaultFile() *File {
	p := Profile{Name: DefaultProfileName, Auth: AuthConfig{Type: AuthNone}}
	p.ApplyDefaults()
	return &File{
		DefaultProfile: DefaultProfileName,
		Profiles:       map[string]Profile{DefaultProfileName: p},
	}
}

// LoadProfile returns the named profile with defaults applied. An empty
// name selects the file's default profile.
func (m *Manager) LoadProfile(name string) (*Profile, error) {
	m.mu.Lock()
	f, err := m.load()
	if err != nil {
		m.mu.Unlock()
		m.logger.LogConfigError("load", err)
		return nil, err
	}
	if name == "" {
		name = f.DefaultProfile
		if name == "" {
			name = DefaultProfileName
		}
	}
	p, ok := f.Profiles[name]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	p.Name = name
	p.HealthEndpoints = append([]string(nil), p.HealthEndpoints...)
	p.ApplyDefaults()
	if err := ValidateProfile(&p); err != nil {
		return nil, fmt.Errorf("profile '%s' is invalid: %w", name, err)
	}

	m.logger.LogConfigLoad(m.configPath, name)
	return &p, nil
}

// SaveProfile validates and stores p, replacing any profile with the same name.
func (m *Manager) SaveProfile(p *Profile) error {
	if p == nil {
		return errors.New("profile cannot be nil")
	}
	cp := *p
	cp.ApplyDefaults()
	if err := ValidateProfile(&cp); err != nil {
		return fmt.Errorf("cannot save invalid profile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.load()
	if err != nil {
		return err
	}
	next := cloneFile(f)
	next.Profiles[p.Name] = *p
	return m.logger.LogOperation("save_profile", func() error {
		if err := m.save(next); err != nil {
			return err
		}
		m.cached = next
		return nil
	})
}

// DeleteProfile removes a profile. The default profile cannot be removed.
func (m *Manager) DeleteProfile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.load()
	if err != nil {
		return err
	}
	if _, ok := f.Profiles[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	if name == f.DefaultProfile || name == DefaultProfileName {
		return fmt.Errorf("cannot delete the default profile")
	}
	next := cloneFile(f)
	delete(next.Profiles, name)
	if err := m.save(next); err != nil {
		return err
	}
	m.cached = next
	return nil
}

// ListProfiles returns the profile names in sorted order.
func (m *Manager) ListProfiles() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Profiles))
	for name := range f.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DefaultProfile returns the name LoadProfile("") resolves to.
func (m *Manager) DefaultProfile() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.load()
	if err != nil {
		return "", err
	}
	if f.DefaultProfile == "" {
		return DefaultProfileName, nil
	}
	return f.DefaultProfile, nil
}

func cloneFile(f *File) *File {
	out := &File{DefaultProfile: f.DefaultProfile, Profiles: make(map[string]Profile, len(f.Profiles))}
	for k, v := range f.Profiles {
		out.Profiles[k] = v
	}
	return out
}

// ValidateProfile reports every problem with p at once.
func ValidateProfile(p *Profile) error {
	if p == nil {
		return errors.New("profile cannot be nil")
	}
	chain := apperrors.NewErrorChain()

	if strings.TrimSpace(p.Name) == "" {
		chain.Add(errors.New("profile name cannot be empty"))
	}

	if u, err := url.Parse(p.ServerURL); err != nil {
		chain.Add(fmt.Errorf("invalid server_url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		chain.Add(fmt.Errorf("server_url must use http or https, got %q", p.ServerURL))
	} else if u.Host == "" {
		chain.Add(fmt.Errorf("server_url %q has no host", p.ServerURL))
	}

	if !strings.HasPrefix(p.EventPath, "/") {
		chain.Add(fmt.Errorf("event_path must start with '/', got %q", p.EventPath))
	}
	for _, ep := range p.HealthEndpoints {
		if !strings.HasPrefix(ep, "/") {
			chain.Add(fmt.Errorf("health endpoint must start with '/', got %q", ep))
		}
	}

	switch p.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		chain.Add(fmt.Errorf("unsupported transport: %s", p.Transport))
	}

	switch p.Auth.Type {
	case AuthNone:
	case AuthBearer:
		if strings.TrimSpace(p.Auth.Token) == "" {
			chain.Add(errors.New("bearer token cannot be empty when auth type is 'bearer'"))
		} else if strings.ContainsAny(p.Auth.Token, " \t\r\n") {
			chain.Add(errors.New("bearer token cannot contain whitespace"))
		}
	case AuthBasic:
		if strings.TrimSpace(p.Auth.Username) == "" {
			chain.Add(errors.New("username cannot be empty when auth type is 'basic'"))
		}
		if strings.Contains(p.Auth.Username, ":") {
			chain.Add(errors.New("username cannot contain ':'"))
		}
	default:
		chain.Add(fmt.Errorf("unsupported authentication type: %s", p.Auth.Type))
	}

	r := p.Reconnect
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		chain.Add(errors.New("reconnect delays cannot be negative"))
	}
	if r.BaseDelay > 0 && r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		chain.Add(errors.New("reconnect max_delay must not be below base_delay"))
	}
	if r.MaxAttempts != nil && *r.MaxAttempts < 0 {
		chain.Add(errors.New("reconnect max_attempts cannot be negative (0 means unlimited)"))
	}

	if chain.HasErrors() {
		return apperrors.NewValidationError("config").
			WithMessagef("%d problem(s) in profile settings", len(chain.Errors())).
			WithCause(chain.Join()).
			WithRecoverable(false).
			WithoutStackTrace().
			Silent().
			Build()
	}
	return nil
}
