// Package jsonfile persists OAuth state as JSON documents under a data
// directory. Every mutation rewrites the affected file through a
// write-temp-then-rename sequence, so a crash never leaves a half-written
// document behind.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/authrelay/authrelay/internal/oauth"
	"github.com/authrelay/authrelay/internal/observability/logger"
)

const (
	clientsFile       = "clients.json"
	authCodesFile     = "auth_codes.json"
	accessTokensFile  = "access_tokens.json"
	refreshTokensFile = "refresh_tokens.json"

	// Pending authorizations share auth_codes.json with issued codes,
	// discriminated by this key prefix.
	pendingKeyPrefix = "pending_"
)

// Store implements oauth.Store on top of JSON files. All state is held in
// memory and flushed on every mutation; reads that discover expired records
// drop them on the spot.
type Store struct {
	dir          string
	defaultScope string

	// Mutators hold the write lock across map update and disk write.
	// Readers take the read lock, upgrading only when lazy expiry has to
	// drop a record.
	mu       sync.RWMutex
	clients  map[string]*oauth.Client
	pendings map[string]*oauth.PendingAuthorization
	codes    map[string]*oauth.AuthorizationCode
	access   map[string]*oauth.AccessToken
	refresh  map[string]*oauth.RefreshToken
}

// Open loads persisted state from dir, creating it when absent. Records that
// fail validation are dropped with a warning, clients missing a scope are
// backfilled with defaultScope, and the cleaned state is written back
// immediately. An unusable data directory fails here rather than on the
// first request.
func Open(dir, defaultScope string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	s := &Store{
		dir:          dir,
		defaultScope: defaultScope,
		clients:      make(map[string]*oauth.Client),
		pendings:     make(map[string]*oauth.PendingAuthorization),
		codes:        make(map[string]*oauth.AuthorizationCode),
		access:       make(map[string]*oauth.AccessToken),
		refresh:      make(map[string]*oauth.RefreshToken),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	// Rewriting after load doubles as a writability probe and normalizes
	// legacy records (float timestamps, dropped orphans) on disk.
	if err := s.persistAll(); err != nil {
		return nil, err
	}

	slog.Info("persistent store loaded",
		slog.String("dir", dir),
		slog.Int("clients", len(s.clients)),
		slog.Int("pending", len(s.pendings)),
		slog.Int("codes", len(s.codes)),
		slog.Int("access_tokens", len(s.access)),
		slog.Int("refresh_tokens", len(s.refresh)),
	)

	return s, nil
}

func (s *Store) load() error {
	if err := s.loadClients(); err != nil {
		return err
	}
	if err := s.loadCodes(); err != nil {
		return err
	}
	if err := s.loadAccessTokens(); err != nil {
		return err
	}
	if err := s.loadRefreshTokens(); err != nil {
		return err
	}
	s.purgeOrphanTokens()
	return nil
}

func (s *Store) loadClients() error {
	raw := make(map[string]*oauth.Client)
	if err := s.readFile(clientsFile, &raw); err != nil {
		return err
	}

	for id, c := range raw {
		if c == nil || len(c.RedirectURIs) == 0 {
			slog.Warn("skipping malformed client record", logger.Entity(clientsFile), logger.ClientID(id))
			continue
		}
		if c.ClientID == "" {
			c.ClientID = id
		}
		// Scope participates in authorization validation and must never
		// be empty.
		if c.Scope == "" {
			c.Scope = s.defaultScope
			slog.Debug("backfilled default scope for client", logger.ClientID(c.ClientID), logger.Scope(c.Scope))
		}
		s.clients[c.ClientID] = c
	}
	return nil
}

func (s *Store) loadCodes() error {
	raw := make(map[string]json.RawMessage)
	if err := s.readFile(authCodesFile, &raw); err != nil {
		return err
	}

	for key, row := range raw {
		if strings.HasPrefix(key, pendingKeyPrefix) {
			var p oauth.PendingAuthorization
			if err := json.Unmarshal(row, &p); err != nil {
				slog.Warn("skipping malformed pending record", logger.Entity(authCodesFile), logger.Error(err))
				continue
			}
			if p.TempKey == "" {
				p.TempKey = strings.TrimPrefix(key, pendingKeyPrefix)
			}
			if p.ClientID == "" || p.IsExpired() {
				continue
			}
			s.pendings[p.TempKey] = &p
			continue
		}

		var ac oauth.AuthorizationCode
		if err := json.Unmarshal(row, &ac); err != nil {
			slog.Warn("skipping malformed code record", logger.Entity(authCodesFile), logger.Error(err))
			continue
		}
		if ac.Code == "" {
			ac.Code = key
		}
		if ac.ClientID == "" || ac.IsExpired() {
			continue
		}
		s.codes[ac.Code] = &ac
	}
	return nil
}

func (s *Store) loadAccessTokens() error {
	raw := make(map[string]*oauth.AccessToken)
	if err := s.readFile(accessTokensFile, &raw); err != nil {
		return err
	}

	for token, t := range raw {
		if t == nil || t.ClientID == "" {
			slog.Warn("skipping malformed access token record", logger.Entity(accessTokensFile))
			continue
		}
		if t.Token == "" {
			t.Token = token
		}
		if t.IsExpired() {
			continue
		}
		s.access[t.Token] = t
	}
	return nil
}

func (s *Store) loadRefreshTokens() error {
	raw := make(map[string]*oauth.RefreshToken)
	if err := s.readFile(refreshTokensFile, &raw); err != nil {
		return err
	}

	for token, t := range raw {
		if t == nil || t.ClientID == "" {
			slog.Warn("skipping malformed refresh token record", logger.Entity(refreshTokensFile))
			continue
		}
		if t.Token == "" {
			t.Token = token
		}
		if t.IsExpired() {
			continue
		}
		s.refresh[t.Token] = t
	}
	return nil
}

// purgeOrphanTokens drops tokens whose issuing client no longer exists
func (s *Store) purgeOrphanTokens() {
	orphans := 0
	for token, t := range s.access {
		if _, ok := s.clients[t.ClientID]; !ok {
			delete(s.access, token)
			orphans++
		}
	}
	for token, t := range s.refresh {
		if _, ok := s.clients[t.ClientID]; !ok {
			delete(s.refresh, token)
			orphans++
		}
	}
	if orphans > 0 {
		slog.Warn("purged orphaned tokens", slog.Int("count", orphans))
	}
}

// PutClient persists a client registration
func (s *Store) PutClient(c *oauth.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c.ClientID] = c
	return s.persistClients()
}

// GetClient retrieves a client by client_id
func (s *Store) GetClient(clientID string) (*oauth.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, oauth.ErrClientNotFound
	}
	return c, nil
}

// SavePending stores in-flight authorization state under its temp key
func (s *Store) SavePending(p *oauth.PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendings[p.TempKey] = p
	return s.persistCodes()
}

// GetPending retrieves in-flight authorization state
func (s *Store) GetPending(tempKey string) (*oauth.PendingAuthorization, error) {
	s.mu.RLock()
	p, ok := s.pendings[tempKey]
	if ok && !p.IsExpired() {
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	if ok {
		// Lock upgrade. Another goroutine may have dropped the record
		// between the two locks, so recheck before deleting.
		s.mu.Lock()
		if cur, held := s.pendings[tempKey]; held && cur.IsExpired() {
			delete(s.pendings, tempKey)
			s.persistCodesLogged()
		}
		s.mu.Unlock()
	}
	return nil, oauth.ErrPendingNotFound
}

// DeletePending removes in-flight authorization state
func (s *Store) DeletePending(tempKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pendings[tempKey]; !ok {
		return nil
	}
	delete(s.pendings, tempKey)
	return s.persistCodes()
}

// SaveCode persists an authorization code
func (s *Store) SaveCode(ac *oauth.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Codes share their file namespace with pending rows; a code carrying
	// the reserved prefix could shadow pending state on reload.
	if strings.HasPrefix(ac.Code, pendingKeyPrefix) {
		return fmt.Errorf("authorization code uses reserved prefix %q", pendingKeyPrefix)
	}

	s.codes[ac.Code] = ac
	return s.persistCodes()
}

// GetCode retrieves an authorization code without consuming it. Keys carrying
// the pending prefix are never valid codes.
func (s *Store) GetCode(code string) (*oauth.AuthorizationCode, error) {
	if strings.HasPrefix(code, pendingKeyPrefix) {
		return nil, oauth.ErrCodeNotFound
	}

	s.mu.RLock()
	ac, ok := s.codes[code]
	if ok && !ac.IsExpired() {
		s.mu.RUnlock()
		return ac, nil
	}
	s.mu.RUnlock()

	if ok {
		s.mu.Lock()
		if cur, held := s.codes[code]; held && cur.IsExpired() {
			delete(s.codes, code)
			s.persistCodesLogged()
		}
		s.mu.Unlock()
	}
	return nil, oauth.ErrCodeNotFound
}

// ConsumeCode retrieves and deletes an authorization code in one step.
// Two racing exchanges of the same code cannot both succeed.
func (s *Store) ConsumeCode(code string) (*oauth.AuthorizationCode, error) {
	if strings.HasPrefix(code, pendingKeyPrefix) {
		return nil, oauth.ErrCodeNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil, oauth.ErrCodeNotFound
	}
	delete(s.codes, code)
	if ac.IsExpired() {
		s.persistCodesLogged()
		return nil, oauth.ErrCodeNotFound
	}
	// A consume that does not reach disk could resurrect the code after a
	// restart.
	if err := s.persistCodes(); err != nil {
		return nil, err
	}
	return ac, nil
}

// AddAccessToken persists an access token
func (s *Store) AddAccessToken(t *oauth.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access[t.Token] = t
	return s.persistAccessTokens()
}

// GetAccessToken retrieves an access token
func (s *Store) GetAccessToken(token string) (*oauth.AccessToken, error) {
	s.mu.RLock()
	t, ok := s.access[token]
	if ok && !t.IsExpired() {
		s.mu.RUnlock()
		return t, nil
	}
	s.mu.RUnlock()

	if ok {
		s.mu.Lock()
		if cur, held := s.access[token]; held && cur.IsExpired() {
			delete(s.access, token)
			s.persistAccessTokensLogged()
		}
		s.mu.Unlock()
	}
	return nil, oauth.ErrTokenNotFound
}

// RemoveAccessToken removes an access token
func (s *Store) RemoveAccessToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.access[token]; !ok {
		return nil
	}
	delete(s.access, token)
	return s.persistAccessTokens()
}

// RemoveAccessTokensByClient removes every access token issued to a client
func (s *Store) RemoveAccessTokensByClient(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, t := range s.access {
		if t.ClientID == clientID {
			delete(s.access, token)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return s.persistAccessTokens()
}

// AddRefreshToken persists a refresh token
func (s *Store) AddRefreshToken(t *oauth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh[t.Token] = t
	return s.persistRefreshTokens()
}

// GetRefreshToken retrieves a refresh token
func (s *Store) GetRefreshToken(token string) (*oauth.RefreshToken, error) {
	s.mu.RLock()
	t, ok := s.refresh[token]
	if ok && !t.IsExpired() {
		s.mu.RUnlock()
		return t, nil
	}
	s.mu.RUnlock()

	if ok {
		s.mu.Lock()
		if cur, held := s.refresh[token]; held && cur.IsExpired() {
			delete(s.refresh, token)
			s.persistRefreshTokensLogged()
		}
		s.mu.Unlock()
	}
	return nil, oauth.ErrTokenNotFound
}

// RemoveRefreshToken removes a refresh token
func (s *Store) RemoveRefreshToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refresh[token]; !ok {
		return nil
	}
	delete(s.refresh, token)
	return s.persistRefreshTokens()
}

// RotateRefreshToken persists a new token pair and deletes the old refresh
// token as a single atomic mutation. A missing old token means another
// rotation already consumed it.
func (s *Store) RotateRefreshToken(oldToken string, access *oauth.AccessToken, refresh *oauth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refresh[oldToken]; !ok {
		return oauth.ErrTokenNotFound
	}
	delete(s.refresh, oldToken)
	s.refresh[refresh.Token] = refresh
	s.access[access.Token] = access

	if err := s.persistRefreshTokens(); err != nil {
		return err
	}
	return s.persistAccessTokens()
}

// Sweep removes expired records across every entity kind and reports how
// many were dropped
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	codesDirty := false

	for key, p := range s.pendings {
		if p.IsExpired() {
			delete(s.pendings, key)
			swept++
			codesDirty = true
		}
	}
	for code, ac := range s.codes {
		if ac.IsExpired() {
			delete(s.codes, code)
			swept++
			codesDirty = true
		}
	}

	accessDirty := false
	for token, t := range s.access {
		if t.IsExpired() {
			delete(s.access, token)
			swept++
			accessDirty = true
		}
	}

	refreshDirty := false
	for token, t := range s.refresh {
		if t.IsExpired() {
			delete(s.refresh, token)
			swept++
			refreshDirty = true
		}
	}

	if codesDirty {
		s.persistCodesLogged()
	}
	if accessDirty {
		s.persistAccessTokensLogged()
	}
	if refreshDirty {
		s.persistRefreshTokensLogged()
	}

	return swept
}

// Stats reports live record counts per entity kind.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int{
		"clients":        len(s.clients),
		"pending":        len(s.pendings),
		"codes":          len(s.codes),
		"access_tokens":  len(s.access),
		"refresh_tokens": len(s.refresh),
	}
}

// File IO. Callers hold the write lock.

func (s *Store) persistAll() error {
	if err := s.persistClients(); err != nil {
		return err
	}
	if err := s.persistCodes(); err != nil {
		return err
	}
	if err := s.persistAccessTokens(); err != nil {
		return err
	}
	return s.persistRefreshTokens()
}

func (s *Store) persistClients() error {
	return s.persistFile(clientsFile, s.clients)
}

// persistCodes merges issued codes and pending rows into one document,
// prefixing pending keys
func (s *Store) persistCodes() error {
	merged := make(map[string]any, len(s.codes)+len(s.pendings))
	for code, ac := range s.codes {
		merged[code] = ac
	}
	for key, p := range s.pendings {
		merged[pendingKeyPrefix+key] = p
	}
	return s.persistFile(authCodesFile, merged)
}

func (s *Store) persistAccessTokens() error {
	return s.persistFile(accessTokensFile, s.access)
}

func (s *Store) persistRefreshTokens() error {
	return s.persistFile(refreshTokensFile, s.refresh)
}

// Logged variants for read paths and sweeps, where a flush failure must not
// mask the primary result.

func (s *Store) persistCodesLogged() {
	if err := s.persistCodes(); err != nil {
		slog.Warn("failed to flush expired records", logger.Entity(authCodesFile), logger.Error(err))
	}
}

func (s *Store) persistAccessTokensLogged() {
	if err := s.persistAccessTokens(); err != nil {
		slog.Warn("failed to flush expired records", logger.Entity(accessTokensFile), logger.Error(err))
	}
}

func (s *Store) persistRefreshTokensLogged() {
	if err := s.persistRefreshTokens(); err != nil {
		slog.Warn("failed to flush expired records", logger.Entity(refreshTokensFile), logger.Error(err))
	}
}

func (s *Store) persistFile(name string, data any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, name), raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// readFile decodes a store document into out. A missing file is an empty
// store; a corrupt one is logged and treated as empty rather than blocking
// startup.
func (s *Store) readFile(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Warn("ignoring corrupt store file", logger.Entity(name), logger.Error(err))
	}
	return nil
}

// writeFileAtomic replaces path via a temp file and rename, so readers never
// observe a partial document
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	// Sync the directory so the rename itself survives a crash. Not every
	// platform supports fsync on directories; failure there is not fatal.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
