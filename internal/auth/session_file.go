package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// SessionFile is a Provider backed by a JSON session file. The login flow
// writes the file; every change is re-read and published.
type SessionFile struct {
	*Holder

	path     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	debounce time.Duration
	lastMod  time.Time

	mu       sync.Mutex
	fallback string
}

// NewSessionFile loads path (a missing file is an anonymous session) and
// returns a provider that is not yet watching.
func NewSessionFile(path string) (*SessionFile, error) {
	if path == "" {
		return nil, errors.New("session file path is required")
	}
	sf := &SessionFile{
		Holder:   NewHolder(Session{}),
		path:     filepath.Clean(path),
		stopChan: make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}
	session, err := ReadSessionFile(sf.path)
	if err != nil {
		return nil, err
	}
	sf.Holder.session = session
	if stat, err := os.Stat(sf.path); err == nil {
		sf.lastMod = stat.ModTime()
	}
	return sf, nil
}

// ReadSessionFile parses a session file. A missing or empty file yields an
// anonymous, non-loading session.
func ReadSessionFile(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, nil
		}
		return Session{}, fmt.Errorf("read session file: %w", err)
	}
	if len(data) == 0 {
		return Session{}, nil
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("parse session file %s: %w", path, err)
	}
	return session, nil
}

// WriteSessionFile stores s at path atomically.
func WriteSessionFile(path string, s Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Start begins watching the session file's directory. It falls back to polling
// when fsnotify is unavailable.
func (sf *SessionFile) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(sf.path))
		if err != nil {
			watcher.Close()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("path", sf.path).Msg("Falling back to polling for session changes")
		go sf.pollForChanges(2 * time.Second)
		return nil
	}

	sf.watcher = watcher
	go sf.watchForChanges()
	log.Info().Str("path", sf.path).Msg("Started watching session file")
	return nil
}

// Stop ends watching.
func (sf *SessionFile) Stop() {
	sf.stopOnce.Do(func() {
		close(sf.stopChan)
		if sf.watcher != nil {
			sf.watcher.Close()
		}
	})
}

// SetFallbackBusiness names the business to act for whenever the session file
// does not name one. It takes effect at once and survives every reload; a
// business in the file always wins.
func (sf *SessionFile) SetFallbackBusiness(id string) {
	sf.mu.Lock()
	sf.fallback = strings.TrimSpace(id)
	sf.mu.Unlock()
	sf.Reload()
}

func (sf *SessionFile) withFallback(session Session) Session {
	sf.mu.Lock()
	fallback := sf.fallback
	sf.mu.Unlock()
	if fallback != "" && session.BusinessID() == "" {
		session.Business = &Business{ID: fallback}
	}
	return session
}

// Reload re-reads the session file and publishes the result.
func (sf *SessionFile) Reload() {
	session, err := ReadSessionFile(sf.path)
	if err != nil {
		log.Error().Err(err).Str("path", sf.path).Msg("Failed to reload session file")
		return
	}
	session = sf.withFallback(session)
	previous := sf.Session().BusinessID()
	sf.Set(session)
	if previous != session.BusinessID() {
		log.Info().
			Str("previous_business_id", previous).
			Str("business_id", session.BusinessID()).
			Msg("Active business changed")
	}
}

func (sf *SessionFile) watchForChanges() {
	for {
		select {
		case event, ok := <-sf.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != sf.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				// Let the writer finish before reading.
				time.Sleep(sf.debounce)
				log.Debug().Str("event", event.Op.String()).Msg("Detected session file change")
				sf.Reload()
			}

		case err, ok := <-sf.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Session watcher error")

		case <-sf.stopChan:
			return
		}
	}
}

func (sf *SessionFile) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(sf.path)
			switch {
			case err == nil && stat.ModTime().After(sf.lastMod):
				sf.lastMod = stat.ModTime()
				sf.Reload()
			case os.IsNotExist(err) && !sf.lastMod.IsZero():
				sf.lastMod = time.Time{}
				sf.Reload()
			}
		case <-sf.stopChan:
			return
		}
	}
}
