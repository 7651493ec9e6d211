package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Sentinel errors for the identity service.
var (
	// ErrInvalidCredentials covers sign-in/sign-up rejections: wrong
	// password, unknown user, already-registered email.
	ErrInvalidCredentials = errors.New("supabase: invalid credentials")
	// ErrSessionMissing is GoTrue reporting there is no active session to
	// act on. Callers treat it as benign on sign-out.
	ErrSessionMissing = errors.New("supabase: session missing")
)

// Auth returns an auth client for GoTrue operations.
func (c *Client) Auth() *AuthClient {
	return &AuthClient{client: c}
}

// AuthClient handles identity service operations.
type AuthClient struct {
	client *Client
}

// AuthResponse is the token grant issued by GoTrue.
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// User is the identity record as GoTrue returns it.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Phone        string         `json:"phone"`
	Role         string         `json:"role"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// SignUp creates a new user. metadata lands in user_metadata (profile
// attributes such as first_name, last_name, phone_number).
func (a *AuthClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*AuthResponse, error) {
	payload := map[string]any{
		"email":    email,
		"password": password,
	}
	if len(metadata) > 0 {
		payload["data"] = metadata
	}
	return a.grant(ctx, a.client.baseURL+"/auth/v1/signup", payload)
}

// SignIn exchanges an email/password pair for a session.
func (a *AuthClient) SignIn(ctx context.Context, email, password string) (*AuthResponse, error) {
	return a.grant(ctx, a.client.baseURL+"/auth/v1/token?grant_type=password", map[string]any{
		"email":    email,
		"password": password,
	})
}

// Refresh trades a refresh token for a fresh session.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	return a.grant(ctx, a.client.baseURL+"/auth/v1/token?grant_type=refresh_token", map[string]any{
		"refresh_token": refreshToken,
	})
}

// ExchangeCode completes a federated (OAuth provider) sign-in by redeeming
// the authorization code delivered to the redirect target.
func (a *AuthClient) ExchangeCode(ctx context.Context, code string) (*AuthResponse, error) {
	return a.grant(ctx, a.client.baseURL+"/auth/v1/token?grant_type=authorization_code", map[string]any{
		"auth_code": code,
	})
}

// ProviderAuthURL builds the GoTrue authorize URL that starts a federated
// sign-in with the given provider ("google", "facebook", ...).
func (a *AuthClient) ProviderAuthURL(provider, redirectTo string) string {
	v := url.Values{}
	v.Set("provider", provider)
	if redirectTo != "" {
		v.Set("redirect_to", redirectTo)
	}
	return a.client.baseURL + "/auth/v1/authorize?" + v.Encode()
}

// SignOut revokes the session behind the access token. A GoTrue "session
// missing" response maps to ErrSessionMissing so callers can ignore it.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", a.client.baseURL+"/auth/v1/logout", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(req)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		if isSessionMissing(resp) {
			return ErrSessionMissing
		}
		return resp.Error()
	}
	return nil
}

// Recover requests a password-reset email for the address.
func (a *AuthClient) Recover(ctx context.Context, email string) error {
	body, _ := json.Marshal(map[string]string{"email": email})

	req, err := http.NewRequestWithContext(ctx, "POST", a.client.baseURL+"/auth/v1/recover", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.do(req)
	if err != nil {
		return err
	}
	return resp.Error()
}

// GetUser fetches the identity behind an access token.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.client.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(req)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %v", ErrSessionMissing, resp.Error())
		}
		return nil, resp.Error()
	}

	var user User
	if err := resp.JSON(&user); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &user, nil
}

func (a *AuthClient) grant(ctx context.Context, reqURL string, payload map[string]any) (*AuthResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.client.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		// 400/401/422 from the token and signup endpoints are credential
		// rejections, not transport failures.
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity:
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, resp.Error())
		}
		return nil, resp.Error()
	}

	var authResp AuthResponse
	if err := resp.JSON(&authResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &authResp, nil
}

func isSessionMissing(resp *Response) bool {
	if resp.StatusCode != http.StatusUnauthorized &&
		resp.StatusCode != http.StatusForbidden &&
		resp.StatusCode != http.StatusNotFound {
		return false
	}
	code := gjson.GetBytes(resp.Body, "error_code").String()
	if code == "session_not_found" {
		return true
	}
	// Older GoTrue versions only carry a message.
	msg := gjson.GetBytes(resp.Body, "msg").String() + gjson.GetBytes(resp.Body, "message").String()
	return msg == "" || strings.Contains(strings.ToLower(msg), "session")
}
