// Package session owns the authenticated identity and its lifecycle. The
// other stores scope their data through it; it is the single source of
// identity-change notifications in the process.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zabtt/storefront/internal/domain"
	"github.com/zabtt/storefront/internal/kv"
	"github.com/zabtt/storefront/internal/metrics"
	"github.com/zabtt/storefront/internal/notify"
	"github.com/zabtt/storefront/supabase/client"
)

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateAnonymous
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// sessionKey is the durable-storage key the active session persists under.
const sessionKey = "auth.session"

// Authenticator is the remote identity service surface the store depends on.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*domain.Session, error)
	SignUp(ctx context.Context, email, password string, profile domain.SignUpProfile) (*domain.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*domain.Session, error)
	Validate(ctx context.Context, accessToken string) (*domain.Identity, error)
	RequestPasswordReset(ctx context.Context, email string) error
	SignInWithProvider(ctx context.Context, provider string) (*domain.Session, error)
}

// Watcher delivers external session-change notifications (remote sign-out,
// refreshed tokens). Watch registers a handler and returns its unregister
// function.
type Watcher interface {
	Watch(fn func(*domain.Session)) (func(), error)
}

// Config wires a Store.
type Config struct {
	Auth    Authenticator
	Watcher Watcher // optional
	KV      kv.Store
	Logger  zerolog.Logger
	Notify  notify.Sink
	Metrics *metrics.Metrics
	// RestoreRetry governs the startup restoration attempts. Zero value
	// means client.DefaultRetryConfig.
	RestoreRetry client.RetryConfig
	// Now is overridable for tests.
	Now func() time.Time
}

// Store is the session state machine. It is constructed explicitly by the
// process entry point; Initialize must be called before the other stores can
// scope to an identity.
type Store struct {
	mu      sync.Mutex
	state   State
	session *domain.Session

	auth    Authenticator
	watcher Watcher
	kv      kv.Store
	logger  zerolog.Logger
	notify  notify.Sink
	metrics *metrics.Metrics
	retry   client.RetryConfig
	now     func() time.Time

	unwatch func()

	subMu  sync.Mutex
	subs   map[int]func(*domain.Identity)
	nextID int
}

// New builds an uninitialized Store.
func New(cfg Config) *Store {
	if cfg.Notify == nil {
		cfg.Notify = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	retry := cfg.RestoreRetry
	if retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
		retry = client.DefaultRetryConfig()
	}
	return &Store{
		state:   StateUninitialized,
		auth:    cfg.Auth,
		watcher: cfg.Watcher,
		kv:      cfg.KV,
		logger:  cfg.Logger,
		notify:  cfg.Notify,
		metrics: cfg.Metrics,
		retry:   retry,
		now:     cfg.Now,
		subs:    make(map[int]func(*domain.Identity)),
	}
}

// Initialize restores a persisted session and registers the external
// notification subscription. It is idempotent: repeated calls after the
// first are no-ops and never duplicate the subscription.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return nil
	}
	s.state = StateLoading
	s.mu.Unlock()

	sess := s.restore(ctx)

	s.mu.Lock()
	s.session = sess
	if sess != nil {
		s.state = StateAuthenticated
	} else {
		s.state = StateAnonymous
	}
	if s.watcher != nil && s.unwatch == nil {
		unwatch, err := s.watcher.Watch(s.applyExternal)
		if err != nil {
			s.logger.Warn().Err(err).Msg("session watch unavailable")
		} else {
			s.unwatch = unwatch
		}
	}
	s.mu.Unlock()

	s.metrics.AuthEvent("initialized")
	s.broadcast(identityOf(sess))
	return nil
}

// Cleanup unregisters the external subscription. Safe to call at most once;
// calling it without a completed Initialize has no effect.
func (s *Store) Cleanup() {
	s.mu.Lock()
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
}

// restore loads the persisted session and revalidates it remotely, retrying
// transient failures. A definitive rejection or absence yields nil.
func (s *Store) restore(ctx context.Context) *domain.Session {
	raw, err := s.kv.Get(ctx, sessionKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("read persisted session")
		}
		return nil
	}

	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil || sess.AccessToken == "" {
		s.logger.Warn().Msg("persisted session unreadable, discarding")
		s.discardPersisted(ctx)
		return nil
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = tokenExpiry(sess.AccessToken)
	}

	var restored *domain.Session
	err = client.Retry(ctx, s.retry, func(ctx context.Context) error {
		if sess.Expired(s.now().Add(30 * time.Second)) {
			fresh, err := s.auth.Refresh(ctx, sess.RefreshToken)
			if err != nil {
				return markDefinitive(err)
			}
			restored = fresh
			return nil
		}

		identity, err := s.auth.Validate(ctx, sess.AccessToken)
		if err != nil {
			if errors.Is(err, client.ErrSessionMissing) {
				// Token no longer honored; a refresh may still work.
				fresh, ferr := s.auth.Refresh(ctx, sess.RefreshToken)
				if ferr != nil {
					return markDefinitive(ferr)
				}
				restored = fresh
				return nil
			}
			return err
		}
		withIdentity := sess
		withIdentity.User = identity
		restored = &withIdentity
		return nil
	})

	if err != nil {
		if errors.Is(err, client.ErrInvalidCredentials) || errors.Is(err, client.ErrSessionMissing) {
			s.logger.Debug().Msg("persisted session rejected, starting anonymous")
			s.discardPersisted(ctx)
			return nil
		}
		s.logger.Error().Err(err).Msg("session restoration failed")
		s.notify.Error("Error initializing authentication. Some features might not work correctly.")
		return nil
	}

	s.persist(ctx, restored)
	return restored
}

// SignIn exchanges credentials for a session. On rejection the prior state
// is untouched and the error propagates so calling flows can branch on it.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	sess, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		s.notify.Error(signInFailureMessage(err))
		s.metrics.AuthEvent("sign_in_failed")
		return err
	}

	s.replace(ctx, sess, "signed_in")
	s.notify.Success("Signed in successfully!")
	return nil
}

// SignUp registers a new identity and signs it in.
func (s *Store) SignUp(ctx context.Context, email, password string, profile domain.SignUpProfile) error {
	sess, err := s.auth.SignUp(ctx, email, password, profile)
	if err != nil {
		s.notify.Error(signInFailureMessage(err))
		s.metrics.AuthEvent("sign_up_failed")
		return err
	}

	s.replace(ctx, sess, "signed_up")
	s.notify.Success("Account created successfully!")
	return nil
}

// SignInWithProvider delegates to third-party federated sign-in. Result
// contract matches SignIn.
func (s *Store) SignInWithProvider(ctx context.Context, provider string) error {
	sess, err := s.auth.SignInWithProvider(ctx, provider)
	if err != nil {
		s.notify.Error("Failed to sign in with " + provider)
		s.metrics.AuthEvent("provider_sign_in_failed")
		return err
	}

	s.replace(ctx, sess, "signed_in")
	s.notify.Success("Signed in successfully!")
	return nil
}

// SignOut clears the local session unconditionally. A remote "no active
// session" answer is benign; any other remote error is returned after local
// state is already gone, so the user is never stuck signed in locally.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	token := ""
	if s.session != nil {
		token = s.session.AccessToken
	}
	s.mu.Unlock()

	var remoteErr error
	if token != "" {
		if err := s.auth.SignOut(ctx, token); err != nil {
			if errors.Is(err, client.ErrSessionMissing) {
				s.logger.Debug().Msg("remote session already gone")
			} else {
				remoteErr = err
			}
		}
	}

	s.replace(ctx, nil, "signed_out")
	s.notify.Success("Signed out successfully")
	if remoteErr != nil {
		s.logger.Warn().Err(remoteErr).Msg("remote sign-out failed")
	}
	return remoteErr
}

// ResetResult reports a password-reset request outcome. The outcome is
// informational, not exceptional, so it is a value rather than an error.
type ResetResult struct {
	Success bool
	Message string
}

// ForgotPassword requests a password-reset email.
func (s *Store) ForgotPassword(ctx context.Context, email string) ResetResult {
	if err := s.auth.RequestPasswordReset(ctx, email); err != nil {
		res := ResetResult{Success: false, Message: "Failed to send password reset email"}
		s.notify.Error(res.Message)
		s.logger.Warn().Err(err).Msg("password reset request failed")
		return res
	}
	res := ResetResult{Success: true, Message: "Password reset email sent. Check your inbox."}
	s.notify.Success(res.Message)
	return res
}

// Profile projects the current identity for display code. Nil when
// anonymous. Never issues a remote call; unknown fields keep their defaults.
func (s *Store) Profile() *domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.User == nil {
		return nil
	}
	u := s.session.User
	return &domain.Profile{
		ID:             u.ID,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		PhoneNumber:    u.Phone,
		BalanceCredits: u.CreditBalance,
		IsAdmin:        u.IsAdmin,
		OwnerID:        u.OwnerID,
	}
}

// Current returns the active identity, or nil when anonymous. The returned
// value is replace-wholesale immutable; callers never see a partial update.
func (s *Store) Current() *domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return identityOf(s.session)
}

// AccessToken returns the active session's bearer token, or "".
func (s *Store) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// State returns the lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnChange registers an identity-change observer and returns its
// unsubscribe function. Every transition delivers the new identity (nil for
// anonymous) to all observers independently.
func (s *Store) OnChange(fn func(*domain.Identity)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// applyExternal handles a notification from the identity service's
// subscription channel. The session is replaced wholesale even if unchanged.
func (s *Store) applyExternal(sess *domain.Session) {
	s.logger.Debug().Bool("present", sess != nil).Msg("auth state changed")
	s.metrics.AuthEvent("external_change")
	s.replace(context.Background(), sess, "")
}

// replace swaps the session wholesale, persists the result, and broadcasts.
func (s *Store) replace(ctx context.Context, sess *domain.Session, event string) {
	s.mu.Lock()
	s.session = sess
	if sess != nil {
		s.state = StateAuthenticated
	} else {
		s.state = StateAnonymous
	}
	s.mu.Unlock()

	if sess != nil {
		s.persist(ctx, sess)
	} else {
		s.discardPersisted(ctx)
	}

	if event != "" {
		s.metrics.AuthEvent(event)
	}
	s.broadcast(identityOf(sess))
}

func (s *Store) broadcast(identity *domain.Identity) {
	s.subMu.Lock()
	fns := make([]func(*domain.Identity), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(identity)
	}
}

func (s *Store) persist(ctx context.Context, sess *domain.Session) {
	if sess == nil {
		return
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode session")
		return
	}
	if err := s.kv.Set(ctx, sessionKey, raw); err != nil {
		s.logger.Warn().Err(err).Msg("persist session")
	}
}

func (s *Store) discardPersisted(ctx context.Context) {
	if err := s.kv.Delete(ctx, sessionKey); err != nil {
		s.logger.Warn().Err(err).Msg("discard persisted session")
	}
}

func identityOf(sess *domain.Session) *domain.Identity {
	if sess == nil {
		return nil
	}
	return sess.User
}

// markDefinitive converts credential rejections into non-retryable errors
// for the restore loop.
func markDefinitive(err error) error {
	if errors.Is(err, client.ErrInvalidCredentials) || errors.Is(err, client.ErrSessionMissing) {
		return client.Permanent(err)
	}
	return err
}

func signInFailureMessage(err error) string {
	if errors.Is(err, client.ErrInvalidCredentials) {
		return "Invalid email or password"
	}
	return "Failed to sign in"
}
