package kisa

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stacklok/toolhive-core/logging"

	"github.com/minus-twelve/kisa-sql/storage"
	"github.com/minus-twelve/kisa-sql/types"
)

const sessionContextKey = "kisa.session"

type SessionConfig struct {
	// SessionTTL is written into the payload cookie expiry on every commit.
	// Zero leaves expiry to the store default.
	SessionTTL   time.Duration
	CookieName   string
	CookiePath   string
	SecureCookie bool

	// TrustedProxies lists IPs or CIDRs allowed to set X-Forwarded-For.
	// Empty means the client IP is always the remote address.
	TrustedProxies []string

	// UserIDField is the extension column InvalidateAllSessions deletes by.
	UserIDField string
}

// Session is the request-scoped view of a stored session.
type Session struct {
	ID   string
	Data *types.SessionData

	isNew     bool
	modified  bool
	destroyed bool
	onDestroy func()
}

// Set stores a value and marks the session for saving.
func (s *Session) Set(key string, value any) {
	if s.Data.Values == nil {
		s.Data.Values = make(map[string]any)
	}
	s.Data.Values[key] = value
	s.modified = true
}

func (s *Session) Value(key string) (any, bool) {
	v, ok := s.Data.Values[key]
	return v, ok
}

// MarkModified forces a full save after direct changes to Data.
func (s *Session) MarkModified() {
	s.modified = true
}

// Destroy removes the session once the request completes.
func (s *Session) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.onDestroy != nil {
		s.onDestroy()
	}
}

func (s *Session) IsNew() bool {
	return s.isNew
}

type SessionManager struct {
	store          Store
	config         SessionConfig
	trustedProxies []net.IPNet
	logger         *slog.Logger
}

func NewManager(store Store, config SessionConfig, logger *slog.Logger) *SessionManager {
	if config.CookieName == "" {
		config.CookieName = "kisa_session"
	}
	if config.CookiePath == "" {
		config.CookiePath = "/"
	}
	if config.UserIDField == "" {
		config.UserIDField = "user_id"
	}
	if logger == nil {
		logger = logging.New()
	}

	trustedNetworks := make([]net.IPNet, 0, len(config.TrustedProxies))
	for _, proxy := range config.TrustedProxies {
		_, ipnet, err := net.ParseCIDR(proxy)
		if err != nil {
			ip := net.ParseIP(proxy)
			if ip == nil {
				logger.Warn("ignoring invalid trusted proxy", "proxy", proxy)
				continue
			}
			mask := net.CIDRMask(32, 32)
			if ip.To4() == nil {
				mask = net.CIDRMask(128, 128)
			}
			ipnet = &net.IPNet{IP: ip, Mask: mask}
		}
		trustedNetworks = append(trustedNetworks, *ipnet)
	}

	return &SessionManager{
		store:          store,
		config:         config,
		trustedProxies: trustedNetworks,
		logger:         logger,
	}
}

// ManagerConfig maps the yaml session settings onto a SessionConfig.
func ManagerConfig(cfg types.Config) SessionConfig {
	return SessionConfig{
		SessionTTL:     cfg.Expiration,
		CookieName:     cfg.Session.CookieName,
		CookiePath:     cfg.Session.CookiePath,
		SecureCookie:   cfg.Session.SecureCookie,
		TrustedProxies: cfg.Session.TrustedProxies,
	}
}

// Middleware loads the request's session, or starts a new one, before the
// handler runs and persists it afterwards: destroyed sessions are deleted,
// new or modified ones saved, untouched ones have their expiry refreshed.
func (sm *SessionManager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := sm.load(c)
		if err != nil {
			sm.logger.Error("failed to load session", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
			return
		}

		sm.setCookie(c, sess.ID, sm.maxAge())
		sess.onDestroy = func() { sm.setCookie(c, "", -1) }
		c.Set(sessionContextKey, sess)
		c.Next()

		if err := sm.commit(c.Request.Context(), sess); err != nil {
			sm.logger.Error("failed to save session", "error", err)
		}
	}
}

// FromContext returns the session loaded by Middleware, if any.
func FromContext(c *gin.Context) (*Session, bool) {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*Session)
	return sess, ok
}

func (sm *SessionManager) load(c *gin.Context) (*Session, error) {
	ctx := c.Request.Context()
	if sid, err := c.Cookie(sm.config.CookieName); err == nil && sid != "" {
		data, err := sm.store.Get(ctx, sid)
		switch {
		case errors.Is(err, storage.ErrSerialization):
			sm.logger.Warn("discarding unreadable session", "error", err)
		case err != nil:
			return nil, err
		case data != nil:
			return &Session{ID: sid, Data: data}, nil
		}
	}

	sid, data, err := sm.newSession("", sm.ClientIP(c))
	if err != nil {
		return nil, err
	}
	return &Session{ID: sid, Data: data, isNew: true}, nil
}

func (sm *SessionManager) commit(ctx context.Context, sess *Session) error {
	switch {
	case sess.destroyed:
		return sm.store.Destroy(ctx, sess.ID)
	case sess.isNew || sess.modified:
		sess.Data.LastActivity = time.Now()
		sm.stamp(sess.Data)
		_, err := sm.store.Set(ctx, sess.ID, sess.Data)
		return err
	default:
		sm.stamp(sess.Data)
		_, err := sm.store.Touch(ctx, sess.ID, sess.Data)
		return err
	}
}

// stamp moves the payload cookie expiry forward by the session TTL.
func (sm *SessionManager) stamp(data *types.SessionData) {
	if sm.config.SessionTTL <= 0 {
		return
	}
	expires := time.Now().Add(sm.config.SessionTTL)
	data.Cookie.Expires = &expires
	data.Cookie.MaxAge = int(sm.config.SessionTTL / time.Second)
	data.Cookie.Path = sm.config.CookiePath
	data.Cookie.Secure = sm.config.SecureCookie
	data.Cookie.HTTPOnly = true
}

func (sm *SessionManager) maxAge() int {
	if sm.config.SessionTTL > 0 {
		return int(sm.config.SessionTTL / time.Second)
	}
	return 0
}

// setCookie writes the session cookie, replacing one set earlier in the
// same response. A negative maxAge expires it.
func (sm *SessionManager) setCookie(c *gin.Context, sid string, maxAge int) {
	header := c.Writer.Header()
	prefix := sm.config.CookieName + "="
	var kept []string
	for _, v := range header.Values("Set-Cookie") {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	header.Del("Set-Cookie")
	for _, v := range kept {
		header.Add("Set-Cookie", v)
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sm.config.CookieName, sid, maxAge, sm.config.CookiePath, "", sm.config.SecureCookie, true)
}

func (sm *SessionManager) newSession(userID, ip string) (string, *types.SessionData, error) {
	sessionToken, err := generateToken()
	if err != nil {
		return "", nil, err
	}

	csrfToken, err := generateToken()
	if err != nil {
		return "", nil, err
	}

	nonce, err := generateToken()
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	return sessionToken, &types.SessionData{
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		IP:           ip,
		CSRFToken:    csrfToken,
		Nonce:        nonce,
		Values:       make(map[string]any),
	}, nil
}

// CreateSession stores a new session for userID bound to ip and returns its
// token and CSRF token.
func (sm *SessionManager) CreateSession(ctx context.Context, userID, ip string) (string, string, error) {
	sessionToken, session, err := sm.newSession(userID, ip)
	if err != nil {
		return "", "", err
	}
	sm.stamp(session)

	if _, err := sm.store.Set(ctx, sessionToken, session); err != nil {
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}

	return sessionToken, session.CSRFToken, nil
}

func (sm *SessionManager) GetSession(ctx context.Context, token string) (*types.SessionData, bool) {
	session, err := sm.store.Get(ctx, token)
	if err != nil {
		sm.logger.Warn("failed to read session", "error", err)
		return nil, false
	}
	return session, session != nil
}

func (sm *SessionManager) UpdateSession(ctx context.Context, token string, session *types.SessionData) error {
	session.LastActivity = time.Now()
	sm.stamp(session)
	_, err := sm.store.Set(ctx, token, session)
	return err
}

func (sm *SessionManager) DestroySession(ctx context.Context, token string) error {
	return sm.store.Destroy(ctx, token)
}

// GenerateNonce replaces the one-time nonce of the session and returns it.
func (sm *SessionManager) GenerateNonce(ctx context.Context, token string) (string, error) {
	nonce, err := generateToken()
	if err != nil {
		return "", err
	}

	session, exists := sm.GetSession(ctx, token)
	if !exists {
		return "", errors.New("session not found")
	}

	session.Nonce = nonce
	if err := sm.UpdateSession(ctx, token, session); err != nil {
		return "", err
	}
	return nonce, nil
}

func (sm *SessionManager) ValidateNonce(ctx context.Context, token, nonce string) bool {
	session, exists := sm.GetSession(ctx, token)
	if !exists || session.Nonce == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(session.Nonce), []byte(nonce)) == 1
}

// fieldDestroyer is implemented by stores that can delete by an extension column.
type fieldDestroyer interface {
	DestroyByField(ctx context.Context, field string, value any) (int64, error)
}

// InvalidateAllSessions deletes every session of userID and returns how many
// were removed. The store must keep the user id in the UserIDField column.
func (sm *SessionManager) InvalidateAllSessions(ctx context.Context, userID string) (int64, error) {
	store, ok := sm.store.(fieldDestroyer)
	if !ok {
		return 0, fmt.Errorf("invalidating sessions of %s: %w", userID, errors.ErrUnsupported)
	}
	n, err := store.DestroyByField(ctx, sm.config.UserIDField, userID)
	if err != nil {
		return 0, fmt.Errorf("invalidating sessions of %s: %w", userID, err)
	}
	return n, nil
}

func (sm *SessionManager) ValidateCSRFToken(ctx context.Context, sessionToken, csrfToken string) bool {
	session, exists := sm.GetSession(ctx, sessionToken)
	if !exists {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(csrfToken)) == 1
}

func (sm *SessionManager) ValidateSessionBinding(ctx context.Context, token, ip string) bool {
	session, exists := sm.GetSession(ctx, token)
	if !exists {
		return false
	}
	return session.IP == ip
}

func (sm *SessionManager) IsLoggedIn(c *gin.Context) bool {
	token, err := c.Cookie(sm.config.CookieName)
	if err != nil {
		return false
	}

	session, exists := sm.GetSession(c.Request.Context(), token)
	if !exists || session.UserID == "" {
		return false
	}

	return session.IP == sm.ClientIP(c)
}

// ClientIP returns the remote address of the request. The first
// X-Forwarded-For entry is used instead only when the remote address is a
// trusted proxy.
func (sm *SessionManager) ClientIP(c *gin.Context) string {
	ip := c.RemoteIP()
	forwarded := c.GetHeader("X-Forwarded-For")
	if forwarded == "" {
		return ip
	}
	remote := net.ParseIP(ip)
	if remote == nil {
		return ip
	}
	for _, trusted := range sm.trustedProxies {
		if trusted.Contains(remote) {
			if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
				return first
			}
			break
		}
	}
	return ip
}

func (sm *SessionManager) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sm.IsLoggedIn(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (sm *SessionManager) CookieName() string {
	return sm.config.CookieName
}

func (sm *SessionManager) SessionTTL() time.Duration {
	return sm.config.SessionTTL
}

func (sm *SessionManager) SecureCookie() bool {
	return sm.config.SecureCookie
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
