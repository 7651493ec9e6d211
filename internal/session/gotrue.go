package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zabtt/storefront/internal/domain"
	"github.com/zabtt/storefront/supabase/client"
)

// CodeSource obtains the authorization code that completes a federated
// sign-in, given the provider authorize URL the user must visit. A CLI
// implementation prints the URL and reads the code back; a UI drives a
// browser window.
type CodeSource func(ctx context.Context, authURL string) (string, error)

// Gotrue adapts the Supabase auth client to the store's Authenticator and
// Watcher interfaces. It also bridges realtime session events into the same
// notification stream, so remote revocations look like any other
// auth-state change.
type Gotrue struct {
	api      *client.Client
	realtime *client.RealtimeClient
	codeSrc  CodeSource
	redirect string

	mu       sync.Mutex
	handlers map[int]func(*domain.Session)
	nextID   int
	channel  *client.Channel
	watched  string // user id the realtime channel is joined for
}

// GotrueConfig wires a Gotrue adapter.
type GotrueConfig struct {
	API *client.Client
	// Realtime is optional; when set, remote session events are forwarded.
	Realtime *client.RealtimeClient
	// CodeSource is required only for SignInWithProvider.
	CodeSource CodeSource
	// RedirectTo is the federated sign-in redirect target.
	RedirectTo string
}

// NewGotrue builds the adapter.
func NewGotrue(cfg GotrueConfig) *Gotrue {
	return &Gotrue{
		api:      cfg.API,
		realtime: cfg.Realtime,
		codeSrc:  cfg.CodeSource,
		redirect: cfg.RedirectTo,
		handlers: make(map[int]func(*domain.Session)),
	}
}

// SignIn exchanges credentials for a session.
func (g *Gotrue) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	resp, err := g.api.Auth().SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	sess := g.toSession(resp)
	g.emit(sess)
	return sess, nil
}

// SignUp creates a remote identity carrying the profile attributes.
func (g *Gotrue) SignUp(ctx context.Context, email, password string, profile domain.SignUpProfile) (*domain.Session, error) {
	metadata := map[string]any{}
	if profile.FirstName != "" {
		metadata["first_name"] = profile.FirstName
	}
	if profile.LastName != "" {
		metadata["last_name"] = profile.LastName
	}
	if profile.Phone != "" {
		metadata["phone_number"] = profile.Phone
	}

	resp, err := g.api.Auth().SignUp(ctx, email, password, metadata)
	if err != nil {
		return nil, err
	}
	sess := g.toSession(resp)
	g.emit(sess)
	return sess, nil
}

// SignOut revokes the remote session.
func (g *Gotrue) SignOut(ctx context.Context, accessToken string) error {
	err := g.api.Auth().SignOut(ctx, accessToken)
	if err == nil || errors.Is(err, client.ErrSessionMissing) {
		g.emit(nil)
	}
	return err
}

// Refresh trades the refresh token for a new session.
func (g *Gotrue) Refresh(ctx context.Context, refreshToken string) (*domain.Session, error) {
	resp, err := g.api.Auth().Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	sess := g.toSession(resp)
	g.emit(sess)
	return sess, nil
}

// Validate resolves the identity behind an access token.
func (g *Gotrue) Validate(ctx context.Context, accessToken string) (*domain.Identity, error) {
	user, err := g.api.Auth().GetUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return toIdentity(user), nil
}

// RequestPasswordReset asks the identity service to email a reset link.
func (g *Gotrue) RequestPasswordReset(ctx context.Context, email string) error {
	return g.api.Auth().Recover(ctx, email)
}

// SignInWithProvider runs a federated sign-in: the user visits the authorize
// URL, the resulting code is exchanged for a session.
func (g *Gotrue) SignInWithProvider(ctx context.Context, provider string) (*domain.Session, error) {
	if g.codeSrc == nil {
		return nil, errors.New("federated sign-in requires a code source")
	}

	authURL := g.api.Auth().ProviderAuthURL(provider, g.redirect)
	code, err := g.codeSrc(ctx, authURL)
	if err != nil {
		return nil, err
	}

	resp, err := g.api.Auth().ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	sess := g.toSession(resp)
	g.emit(sess)
	return sess, nil
}

// Watch registers a session-change handler.
func (g *Gotrue) Watch(fn func(*domain.Session)) (func(), error) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.handlers[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.handlers, id)
		g.mu.Unlock()
	}, nil
}

// emit fans a session change out to every watcher and keeps the realtime
// channel pointed at the active user.
func (g *Gotrue) emit(sess *domain.Session) {
	g.syncRealtime(sess)

	g.mu.Lock()
	fns := make([]func(*domain.Session), 0, len(g.handlers))
	for _, fn := range g.handlers {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn(sess)
	}
}

// syncRealtime rejoins the realtime auth topic whenever the active user
// changes, so revocation broadcasts for the new user flow into emit.
func (g *Gotrue) syncRealtime(sess *domain.Session) {
	if g.realtime == nil {
		return
	}

	userID := ""
	if sess != nil && sess.User != nil {
		userID = sess.User.ID
	}

	g.mu.Lock()
	prev := g.channel
	changed := userID != g.watched
	if changed {
		g.watched = userID
		g.channel = nil
	}
	g.mu.Unlock()

	if !changed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if prev != nil {
		_ = prev.Unsubscribe(ctx)
	}
	if userID == "" {
		return
	}

	ch, err := g.realtime.SubscribeSessionEvents(ctx, userID, func(evt client.SessionEvent) {
		switch evt.Type {
		case client.EventSignedOut:
			g.emit(nil)
		case client.EventTokenRefreshed:
			if evt.Session != nil {
				g.emit(g.toSession(evt.Session))
			}
		}
	})
	if err != nil {
		return
	}

	g.mu.Lock()
	g.channel = ch
	g.mu.Unlock()
}

// toSession maps a GoTrue grant to the domain shape.
func (g *Gotrue) toSession(resp *client.AuthResponse) *domain.Session {
	if resp == nil {
		return nil
	}
	sess := &domain.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		User:         toIdentity(resp.User),
	}
	if resp.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else {
		sess.ExpiresAt = tokenExpiry(resp.AccessToken)
	}
	return sess
}

// toIdentity maps a GoTrue user, pulling profile attributes out of
// user_metadata. Fields the service does not know stay at their defaults.
func toIdentity(u *client.User) *domain.Identity {
	if u == nil {
		return nil
	}
	id := &domain.Identity{
		ID:    u.ID,
		Email: u.Email,
		Phone: u.Phone,
	}
	id.FirstName = metaString(u.UserMetadata, "first_name")
	id.LastName = metaString(u.UserMetadata, "last_name")
	if p := metaString(u.UserMetadata, "phone_number"); p != "" {
		id.Phone = p
	}
	id.OwnerID = metaString(u.UserMetadata, "owner_id")
	if b, ok := u.UserMetadata["balance_credits"].(float64); ok {
		id.CreditBalance = b
	}
	if admin, ok := u.AppMetadata["is_admin"].(bool); ok {
		id.IsAdmin = admin
	}
	return id
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
