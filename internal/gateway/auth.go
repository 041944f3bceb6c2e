package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Credentials hold the key-based login pair read from the environment.
type Credentials struct {
	Username string
	APIKey   string
}

// TokenSource owns the bearer token lifecycle: Auth/loginKey to obtain it,
// Auth/validate to refresh it after a 401. Safe for concurrent readers.
type TokenSource struct {
	mu      sync.Mutex
	baseURL string
	creds   Credentials
	httpc   *http.Client
	token   string
	log     zerolog.Logger
}

type loginKeyRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginKeyResponse struct {
	apiEnvelope
	Token string `json:"token"`
}

type validateResponse struct {
	apiEnvelope
	NewToken string `json:"newToken"`
}

// NewTokenSource builds a token source for the given gateway.
func NewTokenSource(baseURL string, creds Credentials, httpc *http.Client, log zerolog.Logger) *TokenSource {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{baseURL: baseURL, creds: creds, httpc: httpc, log: log}
}

// Token returns the current bearer token, empty before Login.
func (ts *TokenSource) Token() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.token
}

// Login performs the initial key-based authentication.
func (ts *TokenSource) Login(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var resp loginKeyResponse
	if err := ts.post(ctx, "Auth/loginKey", loginKeyRequest{UserName: ts.creds.Username, APIKey: ts.creds.APIKey}, "", &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !resp.Success || resp.Token == "" {
		return fmt.Errorf("login rejected: error %d: %s", resp.ErrorCode, resp.ErrorMessage)
	}
	ts.token = resp.Token
	ts.log.Info().Str("user", ts.creds.Username).Msg("authenticated")
	return nil
}

// Refresh exchanges the current token for a fresh one. Falls back to a full
// login when the gateway refuses the validate call.
func (ts *TokenSource) Refresh(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" {
		var resp validateResponse
		err := ts.post(ctx, "Auth/validate", struct{}{}, ts.token, &resp)
		if err == nil && resp.Success && resp.NewToken != "" {
			ts.token = resp.NewToken
			ts.log.Debug().Msg("token refreshed")
			return nil
		}
		if err != nil {
			ts.log.Warn().Err(err).Msg("token validate failed, retrying full login")
		}
	}

	var resp loginKeyResponse
	if err := ts.post(ctx, "Auth/loginKey", loginKeyRequest{UserName: ts.creds.Username, APIKey: ts.creds.APIKey}, "", &resp); err != nil {
		return fmt.Errorf("relogin: %w", err)
	}
	if !resp.Success || resp.Token == "" {
		return fmt.Errorf("relogin rejected: error %d: %s", resp.ErrorCode, resp.ErrorMessage)
	}
	ts.token = resp.Token
	return nil
}

// post issues one auth call. Auth endpoints bypass the limiter: they are
// invoked at most once per reauth cycle and must not compete with the
// enforcement quota. Callers hold ts.mu.
func (ts *TokenSource) post(ctx context.Context, endpoint string, body any, bearer string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.baseURL+"/api/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := ts.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
