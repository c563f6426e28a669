package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/kengibson1111/go-ticketing-cache/internal"
)

const sessionIDBytes = 32

// SessionData is what a caller supplies when a session is created
type SessionData struct {
	UserID     string                 `json:"userId"`
	Email      string                 `json:"email,omitempty"`
	Role       string                 `json:"role,omitempty"`
	IPAddress  string                 `json:"ipAddress,omitempty"`
	UserAgent  string                 `json:"userAgent,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Session is a stored session
type Session struct {
	ID string `json:"id"`
	SessionData
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// SessionStore keeps sessions in the shared store with a per-user index of
// session ids. A session in use keeps sliding forward; its index entry is
// always kept alive at least as long as the session.
type SessionStore struct {
	store     *KeyValueStore
	keyGen    internal.KeyGenerator
	validator *internal.InputValidator
	logger    *zap.Logger

	ttl       time.Duration
	extension time.Duration
}

// NewSessionStore creates a session store on top of store
func NewSessionStore(store *KeyValueStore, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		store:     store,
		keyGen:    store.keyGen,
		validator: store.validator,
		logger:    logger.Named("cache.session"),
		ttl:       store.config.SessionTTL,
		extension: store.config.SessionExtension,
	}
}

// CreateSession stores a new session for data.UserID and returns its id, or
// "" when the session could not be stored
func (ss *SessionStore) CreateSession(ctx context.Context, data SessionData, ttl time.Duration) string {
	if err := ss.validator.ValidateIdentifier(data.UserID, "user id"); err != nil {
		ss.logger.Warn("refusing to create session", zap.Error(err))
		return ""
	}
	if ttl <= 0 {
		ttl = ss.ttl
	}

	id, err := newSessionID()
	if err != nil {
		ss.logger.Error("failed to generate session id", zap.Error(err))
		return ""
	}

	now := time.Now().UTC()
	session := &Session{
		ID:           id,
		SessionData:  data,
		CreatedAt:    now,
		LastActivity: now,
	}

	sessionKey := ss.keyGen.SessionKey(id)
	if !ss.store.Set(ctx, sessionKey, session, ttl) {
		return ""
	}
	if !ss.store.SetAdd(ctx, ss.keyGen.UserSessionsKey(data.UserID), id, ttl) {
		// An unindexed session could never be destroyed by user
		ss.store.Del(ctx, sessionKey)
		return ""
	}

	ss.logger.Debug("session created", zap.String("user_id", data.UserID), zap.Duration("ttl", ttl))
	return id
}

// Get returns the session, or nil when it is absent or expired
func (ss *SessionStore) Get(ctx context.Context, sessionID string) *Session {
	if !ss.validID(sessionID) {
		return nil
	}

	var session Session
	if !ss.store.Get(ctx, ss.keyGen.SessionKey(sessionID), &session) {
		return nil
	}
	return &session
}

// Set replaces the session and refreshes both its TTL and its index entry
func (ss *SessionStore) Set(ctx context.Context, sessionID string, session *Session, ttl time.Duration) bool {
	if session == nil || !ss.validID(sessionID) {
		return false
	}
	if ttl <= 0 {
		ttl = ss.ttl
	}

	session.ID = sessionID
	if !ss.store.Set(ctx, ss.keyGen.SessionKey(sessionID), session, ttl) {
		return false
	}
	if session.UserID == "" {
		return true
	}
	return ss.store.SetAdd(ctx, ss.keyGen.UserSessionsKey(session.UserID), sessionID, ttl)
}

// Touch extends the session so at least extension remains. A non-positive
// extension uses the configured default.
func (ss *SessionStore) Touch(ctx context.Context, sessionID string, extension time.Duration) bool {
	session := ss.Get(ctx, sessionID)
	if session == nil {
		return false
	}
	return ss.touch(ctx, session, extension)
}

func (ss *SessionStore) touch(ctx context.Context, session *Session, extension time.Duration) bool {
	if extension <= 0 {
		extension = ss.extension
	}

	sessionKey := ss.keyGen.SessionKey(session.ID)
	if !ss.store.ExtendTTL(ctx, sessionKey, extension) {
		return false
	}

	session.LastActivity = time.Now().UTC()
	if !ss.store.Replace(ctx, sessionKey, session) {
		ss.logger.Debug("session vanished while touching", zap.String("user_id", session.UserID))
		return false
	}
	if session.UserID != "" {
		ss.store.SetAdd(ctx, ss.keyGen.UserSessionsKey(session.UserID), session.ID, extension)
	}
	return true
}

// Destroy removes the session and its index entry
func (ss *SessionStore) Destroy(ctx context.Context, sessionID string) bool {
	session := ss.Get(ctx, sessionID)
	if session == nil {
		return false
	}

	destroyed := ss.store.Del(ctx, ss.keyGen.SessionKey(sessionID))
	if session.UserID != "" {
		ss.store.SetRemove(ctx, ss.keyGen.UserSessionsKey(session.UserID), sessionID)
	}
	return destroyed
}

// DestroyByUserID destroys every session of a user and returns how many were
// removed. A failure on one session does not stop the rest.
func (ss *SessionStore) DestroyByUserID(ctx context.Context, userID string) int {
	if err := ss.validator.ValidateIdentifier(userID, "user id"); err != nil {
		ss.logger.Warn("invalid user id", zap.Error(err))
		return 0
	}

	indexKey := ss.keyGen.UserSessionsKey(userID)
	destroyed := 0
	for _, id := range ss.store.SetMembers(ctx, indexKey) {
		if ss.store.Del(ctx, ss.keyGen.SessionKey(id)) {
			destroyed++
		}
		ss.store.SetRemove(ctx, indexKey, id)
	}

	ss.logger.Debug("destroyed user sessions", zap.String("user_id", userID), zap.Int("count", destroyed))
	return destroyed
}

// GetAllSessions returns the ids of the user's live sessions. Ids left in
// the index by expired sessions are pruned.
func (ss *SessionStore) GetAllSessions(ctx context.Context, userID string) []string {
	if err := ss.validator.ValidateIdentifier(userID, "user id"); err != nil {
		ss.logger.Warn("invalid user id", zap.Error(err))
		return nil
	}

	indexKey := ss.keyGen.UserSessionsKey(userID)
	ids := ss.store.SetMembers(ctx, indexKey)
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ss.keyGen.SessionKey(id)
	}
	found := ss.store.MGet(ctx, keys)

	live := make([]string, 0, len(ids))
	for i, id := range ids {
		if found[keys[i]] == nil {
			ss.store.SetRemove(ctx, indexKey, id)
			continue
		}
		live = append(live, id)
	}
	return live
}

// ValidateSession returns the session and slides its lifetime forward, or
// nil without touching anything when it is absent
func (ss *SessionStore) ValidateSession(ctx context.Context, sessionID string) *Session {
	session := ss.Get(ctx, sessionID)
	if session == nil {
		return nil
	}
	ss.touch(ctx, session, 0)
	return session
}

func (ss *SessionStore) validID(sessionID string) bool {
	if err := ss.validator.ValidateIdentifier(sessionID, "session id"); err != nil {
		ss.logger.Debug("invalid session id", zap.Error(err))
		return false
	}
	return true
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
