package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/stevemurr/storefront-store/store"
)

// Prefs are the small flags the user changes at runtime. They sit outside
// the record store and are read before any engine is opened.
type Prefs struct {
	ActiveEngine   store.Engine `yaml:"active_engine,omitempty"`
	RemoteEndpoint string       `yaml:"remote_endpoint,omitempty"`
	RemoteUser     string       `yaml:"remote_user,omitempty"`
	RemotePassword string       `yaml:"remote_password,omitempty"`
	ForcedOffline  bool         `yaml:"forced_offline,omitempty"`

	// Session is the serialized current user session, opaque here.
	Session string `yaml:"session,omitempty"`
}

func (p Prefs) apply(cfg *Config) {
	if p.ActiveEngine != "" {
		cfg.Engine = p.ActiveEngine
	}
	if p.RemoteEndpoint != "" {
		cfg.Remote.Endpoint = p.RemoteEndpoint
	}
	if p.RemoteUser != "" || p.RemotePassword != "" {
		cfg.Remote.User = p.RemoteUser
		cfg.Remote.Password = p.RemotePassword
	}
}

// PrefsPath returns the preferences file inside dataDir.
func PrefsPath(dataDir string) string {
	return filepath.Join(dataDir, "prefs.yaml")
}

// PrefsStore reads and writes the preferences file. Every write is a
// read-modify-write under one lock, committed with a rename.
type PrefsStore struct {
	mu   sync.Mutex
	path string
}

// NewPrefsStore returns a store for the file at path. The file is created
// on first write.
func NewPrefsStore(path string) *PrefsStore {
	return &PrefsStore{path: path}
}

// Path returns the preferences file path.
func (s *PrefsStore) Path() string { return s.path }

// Load reads the preferences; a missing file yields the zero Prefs.
func (s *PrefsStore) Load() (Prefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *PrefsStore) load() (Prefs, error) {
	var p Prefs
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prefs{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return p, nil
}

// Update applies fn to the stored preferences and writes them back.
func (s *PrefsStore) Update(fn func(*Prefs)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.load()
	if err != nil {
		return err
	}
	fn(&p)
	return s.save(p)
}

func (s *PrefsStore) save(p Prefs) error {
	b, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "prefs.*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// ForcedOffline reports the sticky "stay offline" flag.
func (s *PrefsStore) ForcedOffline() (bool, error) {
	p, err := s.Load()
	return p.ForcedOffline, err
}

// SetForcedOffline sets or clears the sticky "stay offline" flag.
func (s *PrefsStore) SetForcedOffline(on bool) error {
	return s.Update(func(p *Prefs) { p.ForcedOffline = on })
}

// SetActiveEngine records the engine future contexts start with.
func (s *PrefsStore) SetActiveEngine(e store.Engine) error {
	return s.Update(func(p *Prefs) { p.ActiveEngine = e })
}

// SetRemote records a remote endpoint and credential override. Empty
// fields clear the override.
func (s *PrefsStore) SetRemote(r Remote) error {
	return s.Update(func(p *Prefs) {
		p.RemoteEndpoint = r.Endpoint
		p.RemoteUser = r.User
		p.RemotePassword = r.Password
	})
}

// Reset drops every preference except the session, returning future
// contexts to the configured defaults.
func (s *PrefsStore) Reset() error {
	return s.Update(func(p *Prefs) { *p = Prefs{Session: p.Session} })
}

// Session returns the stored user session, if any.
func (s *PrefsStore) Session() (string, error) {
	p, err := s.Load()
	return p.Session, err
}

// SetSession stores the serialized user session.
func (s *PrefsStore) SetSession(session string) error {
	return s.Update(func(p *Prefs) { p.Session = session })
}
