package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zabtt/storefront/internal/domain"
	"github.com/zabtt/storefront/internal/kv"
	"github.com/zabtt/storefront/supabase/client"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeAuth struct {
	signInFn   func(ctx context.Context, email, password string) (*domain.Session, error)
	signUpFn   func(ctx context.Context, email, password string, profile domain.SignUpProfile) (*domain.Session, error)
	signOutFn  func(ctx context.Context, accessToken string) error
	refreshFn  func(ctx context.Context, refreshToken string) (*domain.Session, error)
	validateFn func(ctx context.Context, accessToken string) (*domain.Identity, error)
	resetFn    func(ctx context.Context, email string) error
	providerFn func(ctx context.Context, provider string) (*domain.Session, error)

	refreshCalls  int
	validateCalls int
	signOutCalls  int
}

func (f *fakeAuth) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	return f.signInFn(ctx, email, password)
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password string, profile domain.SignUpProfile) (*domain.Session, error) {
	return f.signUpFn(ctx, email, password, profile)
}

func (f *fakeAuth) SignOut(ctx context.Context, accessToken string) error {
	f.signOutCalls++
	if f.signOutFn == nil {
		return nil
	}
	return f.signOutFn(ctx, accessToken)
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*domain.Session, error) {
	f.refreshCalls++
	return f.refreshFn(ctx, refreshToken)
}

func (f *fakeAuth) Validate(ctx context.Context, accessToken string) (*domain.Identity, error) {
	f.validateCalls++
	return f.validateFn(ctx, accessToken)
}

func (f *fakeAuth) RequestPasswordReset(ctx context.Context, email string) error {
	return f.resetFn(ctx, email)
}

func (f *fakeAuth) SignInWithProvider(ctx context.Context, provider string) (*domain.Session, error) {
	return f.providerFn(ctx, provider)
}

type fakeWatcher struct {
	handler      func(*domain.Session)
	watchCalls   int
	unwatchCalls int
	watchErr     error
}

func (f *fakeWatcher) Watch(fn func(*domain.Session)) (func(), error) {
	f.watchCalls++
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.handler = fn
	return func() { f.unwatchCalls++ }, nil
}

type memoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string][]byte)}
}

func (m *memoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return raw, nil
}

func (m *memoryKV) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryKV) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

type recordingSink struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (r *recordingSink) Success(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, msg)
}

func (r *recordingSink) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func (r *recordingSink) lastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errors) == 0 {
		return ""
	}
	return r.errors[len(r.errors)-1]
}

func testSession(userID string) *domain.Session {
	return &domain.Session{
		AccessToken:  "token-" + userID,
		RefreshToken: "refresh-" + userID,
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         &domain.Identity{ID: userID, Email: userID + "@example.com"},
	}
}

func fastRetry() client.RetryConfig {
	return client.RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	}
}

func newTestStore(auth *fakeAuth, watcher Watcher, store kv.Store, sink *recordingSink) *Store {
	cfg := Config{
		Auth:         auth,
		Watcher:      watcher,
		KV:           store,
		Logger:       zerolog.Nop(),
		RestoreRetry: fastRetry(),
	}
	if sink != nil {
		cfg.Notify = sink
	}
	return New(cfg)
}

// =============================================================================
// Initialize / restore
// =============================================================================

func TestInitialize_NoPersistedSession(t *testing.T) {
	auth := &fakeAuth{}
	s := newTestStore(auth, nil, newMemoryKV(), nil)

	var got []*domain.Identity
	s.OnChange(func(id *domain.Identity) { got = append(got, id) })

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	if s.State() != StateAnonymous {
		t.Errorf("State() = %v, want %v", s.State(), StateAnonymous)
	}
	if len(got) != 1 || got[0] != nil {
		t.Errorf("broadcast = %v, want one nil identity", got)
	}
	if auth.validateCalls != 0 || auth.refreshCalls != 0 {
		t.Error("no remote calls expected without a persisted session")
	}
}

func TestInitialize_RestoresValidSession(t *testing.T) {
	store := newMemoryKV()
	raw, _ := json.Marshal(testSession("u-1"))
	store.Set(context.Background(), sessionKey, raw)

	auth := &fakeAuth{
		validateFn: func(ctx context.Context, accessToken string) (*domain.Identity, error) {
			return &domain.Identity{ID: "u-1", Email: "u-1@example.com", FirstName: "Dana"}, nil
		},
	}
	s := newTestStore(auth, nil, store, nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	if s.State() != StateAuthenticated {
		t.Fatalf("State() = %v, want %v", s.State(), StateAuthenticated)
	}
	current := s.Current()
	if current == nil || current.FirstName != "Dana" {
		t.Errorf("Current() = %v, want validated identity", current)
	}
	if s.AccessToken() != "token-u-1" {
		t.Errorf("AccessToken() = %s, want token-u-1", s.AccessToken())
	}
}

func TestInitialize_RefreshesExpiredSession(t *testing.T) {
	store := newMemoryKV()
	expired := testSession("u-1")
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	raw, _ := json.Marshal(expired)
	store.Set(context.Background(), sessionKey, raw)

	fresh := testSession("u-1")
	fresh.AccessToken = "fresh-token"
	auth := &fakeAuth{
		refreshFn: func(ctx context.Context, refreshToken string) (*domain.Session, error) {
			if refreshToken != "refresh-u-1" {
				t.Errorf("refresh token = %s, want refresh-u-1", refreshToken)
			}
			return fresh, nil
		},
	}
	s := newTestStore(auth, nil, store, nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	if auth.validateCalls != 0 {
		t.Error("expired session should refresh, not validate")
	}
	if s.AccessToken() != "fresh-token" {
		t.Errorf("AccessToken() = %s, want fresh-token", s.AccessToken())
	}
	// The refreshed session replaces the persisted one.
	persisted, _ := store.Get(context.Background(), sessionKey)
	var snap domain.Session
	json.Unmarshal(persisted, &snap)
	if snap.AccessToken != "fresh-token" {
		t.Errorf("persisted AccessToken = %s, want fresh-token", snap.AccessToken)
	}
}

func TestInitialize_RejectedSessionDiscarded(t *testing.T) {
	store := newMemoryKV()
	raw, _ := json.Marshal(testSession("u-1"))
	store.Set(context.Background(), sessionKey, raw)

	auth := &fakeAuth{
		validateFn: func(ctx context.Context, accessToken string) (*domain.Identity, error) {
			return nil, client.ErrSessionMissing
		},
		refreshFn: func(ctx context.Context, refreshToken string) (*domain.Session, error) {
			return nil, client.ErrInvalidCredentials
		},
	}
	sink := &recordingSink{}
	s := newTestStore(auth, nil, store, sink)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	if s.State() != StateAnonymous {
		t.Errorf("State() = %v, want %v", s.State(), StateAnonymous)
	}
	if store.has(sessionKey) {
		t.Error("rejected session should be discarded from storage")
	}
	// Definitive rejection stops the retry loop on the first attempt.
	if auth.refreshCalls != 1 {
		t.Errorf("refreshCalls = %d, want 1", auth.refreshCalls)
	}
	if len(sink.errors) != 0 {
		t.Errorf("errors = %v, want none for a clean rejection", sink.errors)
	}
}

func TestInitialize_TransientFailureDegradesToAnonymous(t *testing.T) {
	store := newMemoryKV()
	raw, _ := json.Marshal(testSession("u-1"))
	store.Set(context.Background(), sessionKey, raw)

	auth := &fakeAuth{
		validateFn: func(ctx context.Context, accessToken string) (*domain.Identity, error) {
			return nil, errors.New("network down")
		},
	}
	sink := &recordingSink{}
	s := newTestStore(auth, nil, store, sink)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	if s.State() != StateAnonymous {
		t.Errorf("State() = %v, want %v", s.State(), StateAnonymous)
	}
	if auth.validateCalls != 3 {
		t.Errorf("validateCalls = %d, want 3 (initial + 2 retries)", auth.validateCalls)
	}
	if sink.lastError() != "Error initializing authentication. Some features might not work correctly." {
		t.Errorf("lastError = %q, want degradation notice", sink.lastError())
	}
	// The session stays in storage; the next start may succeed.
	if !store.has(sessionKey) {
		t.Error("transient failure should not discard the persisted session")
	}
}

func TestInitialize_CorruptPersistedSession(t *testing.T) {
	store := newMemoryKV()
	store.Set(context.Background(), sessionKey, []byte(`{not json`))

	auth := &fakeAuth{}
	s := newTestStore(auth, nil, store, nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	if s.State() != StateAnonymous {
		t.Errorf("State() = %v, want %v", s.State(), StateAnonymous)
	}
	if store.has(sessionKey) {
		t.Error("corrupt session should be discarded")
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	watcher := &fakeWatcher{}
	s := newTestStore(&fakeAuth{}, watcher, newMemoryKV(), nil)

	s.Initialize(context.Background())
	s.Initialize(context.Background())
	s.Initialize(context.Background())

	if watcher.watchCalls != 1 {
		t.Errorf("watchCalls = %d, want 1", watcher.watchCalls)
	}
}

func TestCleanup_UnregistersOnce(t *testing.T) {
	watcher := &fakeWatcher{}
	s := newTestStore(&fakeAuth{}, watcher, newMemoryKV(), nil)
	s.Initialize(context.Background())

	s.Cleanup()
	s.Cleanup()

	if watcher.unwatchCalls != 1 {
		t.Errorf("unwatchCalls = %d, want 1", watcher.unwatchCalls)
	}
}

func TestCleanup_BeforeInitialize(t *testing.T) {
	s := newTestStore(&fakeAuth{}, &fakeWatcher{}, newMemoryKV(), nil)
	s.Cleanup() // must not panic
}

// =============================================================================
// Sign in / sign up / sign out
// =============================================================================

func TestSignIn_Success(t *testing.T) {
	store := newMemoryKV()
	sess := testSession("u-1")
	auth := &fakeAuth{
		signInFn: func(ctx context.Context, email, password string) (*domain.Session, error) {
			return sess, nil
		},
	}
	sink := &recordingSink{}
	s := newTestStore(auth, nil, store, sink)
	s.Initialize(context.Background())

	var got []*domain.Identity
	s.OnChange(func(id *domain.Identity) { got = append(got, id) })

	if err := s.SignIn(context.Background(), "u-1@example.com", "secret"); err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}

	if s.State() != StateAuthenticated {
		t.Errorf("State() = %v, want %v", s.State(), StateAuthenticated)
	}
	if len(got) != 1 || got[0] == nil || got[0].ID != "u-1" {
		t.Errorf("broadcast = %v, want identity u-1", got)
	}
	if !store.has(sessionKey) {
		t.Error("session should be persisted after sign-in")
	}
	if len(sink.successes) == 0 {
		t.Error("sign-in should notify success")
	}
}

func TestSignIn_RejectionLeavesStateUntouched(t *testing.T) {
	auth := &fakeAuth{
		signInFn: func(ctx context.Context, email, password string) (*domain.Session, error) {
			return nil, client.ErrInvalidCredentials
		},
	}
	sink := &recordingSink{}
	s := newTestStore(auth, nil, newMemoryKV(), sink)
	s.Initialize(context.Background())

	err := s.SignIn(context.Background(), "u-1@example.com", "wrong")
	if !errors.Is(err, client.ErrInvalidCredentials) {
		t.Fatalf("SignIn() error = %v, want ErrInvalidCredentials", err)
	}
	if s.State() != StateAnonymous {
		t.Errorf("State() = %v, want %v (unchanged)", s.State(), StateAnonymous)
	}
	if sink.lastError() != "Invalid email or password" {
		t.Errorf("lastError = %q, want credential message", sink.lastError())
	}
}

func TestSignUp_Success(t *testing.T) {
	var gotProfile domain.SignUpProfile
	auth := &fakeAuth{
		signUpFn: func(ctx context.Context, email, password string, profile domain.SignUpProfile) (*domain.Session, error) {
			gotProfile = profile
			return testSession("u-2"), nil
		},
	}
	s := newTestStore(auth, nil, newMemoryKV(), nil)
	s.Initialize(context.Background())

	err := s.SignUp(context.Background(), "new@example.com", "secret", domain.SignUpProfile{FirstName: "Dana"})
	if err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}
	if gotProfile.FirstName != "Dana" {
		t.Errorf("profile.FirstName = %s, want Dana", gotProfile.FirstName)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("State() = %v, want %v", s.State(), StateAuthenticated)
	}
}

func TestSignOut_ClearsLocalStateAlways(t *testing.T) {
	testCases := []struct {
		name      string
		remoteErr error
		wantErr   bool
	}{
		{"clean", nil, false},
		{"session already gone", client.ErrSessionMissing, false},
		{"remote failure", errors.New("network down"), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemoryKV()
			auth := &fakeAuth{
				signInFn: func(ctx context.Context, email, password string) (*domain.Session, error) {
					return testSession("u-1"), nil
				},
				signOutFn: func(ctx context.Context, accessToken string) error {
					return tc.remoteErr
				},
			}
			s := newTestStore(auth, nil, store, nil)
			s.Initialize(context.Background())
			s.SignIn(context.Background(), "u-1@example.com", "secret")

			err := s.SignOut(context.Background())
			if tc.wantErr && err == nil {
				t.Error("SignOut() should surface the remote error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("SignOut() error: %v", err)
			}

			// Local state clears in every case.
			if s.State() != StateAnonymous {
				t.Errorf("State() = %v, want %v", s.State(), StateAnonymous)
			}
			if s.Current() != nil {
				t.Error("Current() should be nil after sign-out")
			}
			if store.has(sessionKey) {
				t.Error("persisted session should be discarded on sign-out")
			}
		})
	}
}

func TestSignOut_Anonymous(t *testing.T) {
	auth := &fakeAuth{}
	s := newTestStore(auth, nil, newMemoryKV(), nil)
	s.Initialize(context.Background())

	if err := s.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error: %v", err)
	}
	if auth.signOutCalls != 0 {
		t.Error("anonymous sign-out should not call the remote")
	}
}

// =============================================================================
// Password reset / profile / subscriptions
// =============================================================================

func TestForgotPassword(t *testing.T) {
	resetErr := errors.New("smtp down")
	auth := &fakeAuth{
		resetFn: func(ctx context.Context, email string) error { return resetErr },
	}
	s := newTestStore(auth, nil, newMemoryKV(), nil)

	res := s.ForgotPassword(context.Background(), "u-1@example.com")
	if res.Success {
		t.Error("ForgotPassword() should report failure")
	}

	resetErr = nil
	auth.resetFn = func(ctx context.Context, email string) error { return nil }
	res = s.ForgotPassword(context.Background(), "u-1@example.com")
	if !res.Success {
		t.Error("ForgotPassword() should report success")
	}
	if res.Message == "" {
		t.Error("ForgotPassword() should carry a message either way")
	}
}

func TestProfile(t *testing.T) {
	auth := &fakeAuth{
		signInFn: func(ctx context.Context, email, password string) (*domain.Session, error) {
			sess := testSession("u-1")
			sess.User.FirstName = "Dana"
			sess.User.CreditBalance = 42.5
			return sess, nil
		},
	}
	s := newTestStore(auth, nil, newMemoryKV(), nil)
	s.Initialize(context.Background())

	if s.Profile() != nil {
		t.Error("Profile() should be nil when anonymous")
	}

	s.SignIn(context.Background(), "u-1@example.com", "secret")

	p := s.Profile()
	if p == nil {
		t.Fatal("Profile() = nil, want projection")
	}
	if p.FirstName != "Dana" || p.BalanceCredits != 42.5 {
		t.Errorf("Profile() = %+v, want Dana / 42.5", p)
	}
}

func TestOnChange_Unsubscribe(t *testing.T) {
	auth := &fakeAuth{
		signInFn: func(ctx context.Context, email, password string) (*domain.Session, error) {
			return testSession("u-1"), nil
		},
	}
	s := newTestStore(auth, nil, newMemoryKV(), nil)
	s.Initialize(context.Background())

	calls := 0
	unsubscribe := s.OnChange(func(*domain.Identity) { calls++ })
	unsubscribe()

	s.SignIn(context.Background(), "u-1@example.com", "secret")
	if calls != 0 {
		t.Errorf("calls = %d, want 0 after unsubscribe", calls)
	}
}

func TestExternalChange_ReplacesWholesale(t *testing.T) {
	watcher := &fakeWatcher{}
	s := newTestStore(&fakeAuth{}, watcher, newMemoryKV(), nil)
	s.Initialize(context.Background())

	var got []*domain.Identity
	s.OnChange(func(id *domain.Identity) { got = append(got, id) })

	// Remote sign-in observed through the subscription channel.
	watcher.handler(testSession("u-9"))
	if s.State() != StateAuthenticated {
		t.Errorf("State() = %v, want %v", s.State(), StateAuthenticated)
	}
	if len(got) != 1 || got[0].ID != "u-9" {
		t.Errorf("broadcast = %v, want identity u-9", got)
	}

	// Remote revocation.
	watcher.handler(nil)
	if s.State() != StateAnonymous {
		t.Errorf("State() = %v, want %v", s.State(), StateAnonymous)
	}
	if len(got) != 2 || got[1] != nil {
		t.Errorf("broadcast = %v, want trailing nil", got)
	}
}
