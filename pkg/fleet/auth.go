package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/models"
)

// authProvider attaches credentials to an outgoing fleet request.
type authProvider interface {
	apply(ctx context.Context, req *http.Request) error
}

func newAuthProvider(cfg config.FleetConfig, base *http.Client) (authProvider, error) {
	switch cfg.Auth.Mode {
	case config.AuthNone, "":
		return noneAuth{}, nil
	case config.AuthBearer:
		if cfg.Auth.Token == "" {
			return nil, models.NewError(models.KindInternal, "fleet.auth",
				"bearer mode needs fleet.auth.token")
		}
		return bearerAuth{token: cfg.Auth.Token}, nil
	case config.AuthAPIKey:
		if cfg.Auth.APIKey == "" {
			return nil, models.NewError(models.KindInternal, "fleet.auth",
				"api_key mode needs fleet.auth.api_key")
		}
		return apiKeyAuth{key: cfg.Auth.APIKey, header: cfg.Auth.KeyHeader}, nil
	case config.AuthCookie:
		return &cookieAuth{cfg: cfg, client: base}, nil
	case config.AuthOAuth:
		return &oauthAuth{cfg: cfg, client: base}, nil
	default:
		return nil, models.Errorf(models.KindInternal, "fleet.auth",
			"unknown auth mode %q", cfg.Auth.Mode)
	}
}

type noneAuth struct{}

func (noneAuth) apply(ctx context.Context, req *http.Request) error { return nil }

type bearerAuth struct{ token string }

func (a bearerAuth) apply(ctx context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}

type apiKeyAuth struct{ key, header string }

func (a apiKeyAuth) apply(ctx context.Context, req *http.Request) error {
	req.Header.Set(a.header, a.key)
	return nil
}

// cookieAuth logs in once; the session cookie then rides the shared jar.
type cookieAuth struct {
	cfg    config.FleetConfig
	client *http.Client

	mu       sync.Mutex
	loggedIn bool
}

func (a *cookieAuth) apply(ctx context.Context, req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loggedIn {
		return nil
	}

	loginURL := strings.TrimRight(a.cfg.BaseURL, "/") + a.cfg.Auth.LoginPath
	payload, err := json.Marshal(map[string]string{
		"username": a.cfg.Auth.Username,
		"password": a.cfg.Auth.Password,
	})
	if err != nil {
		return models.WrapError(models.KindInternal, "fleet.auth.login", err)
	}

	loginReq, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, bytes.NewReader(payload))
	if err != nil {
		return models.WrapError(models.KindInternal, "fleet.auth.login", err)
	}
	loginReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(loginReq)
	if err != nil {
		return models.WrapError(models.KindInternal, "fleet.auth.login", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Errorf(models.KindInternal, "fleet.auth.login",
			"login returned %d", resp.StatusCode)
	}
	a.loggedIn = true
	return nil
}

// refreshSkew refreshes a token slightly before its stated expiry.
const refreshSkew = 30 * time.Second

// opaqueTokenTTL caches tokens whose expiry cannot be read.
const opaqueTokenTTL = 5 * time.Minute

// oauthAuth runs the client-credentials grant and caches the access token
// until it nears expiry. Expiry comes from expires_in, or from the token's
// own exp claim when the response omits it.
type oauthAuth struct {
	cfg    config.FleetConfig
	client *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (a *oauthAuth) apply(ctx context.Context, req *http.Request) error {
	token, err := a.currentToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *oauthAuth) currentToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Now().Before(a.expires.Add(-refreshSkew)) {
		return a.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {a.cfg.Auth.ClientID},
		"client_secret": {a.cfg.Auth.ClientSecret},
	}
	if a.cfg.Auth.Scope != "" {
		form.Set("scope", a.cfg.Auth.Scope)
	}

	tokenReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.Auth.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", models.WrapError(models.KindInternal, "fleet.auth.token", err)
	}
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(tokenReq)
	if err != nil {
		return "", models.WrapError(models.KindInternal, "fleet.auth.token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", models.Errorf(models.KindInternal, "fleet.auth.token",
			"token endpoint returned %d", resp.StatusCode)
	}

	var reply struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", models.WrapError(models.KindInternal, "fleet.auth.token", err)
	}
	if reply.AccessToken == "" {
		return "", models.NewError(models.KindInternal, "fleet.auth.token",
			"token endpoint returned no access_token")
	}

	a.token = reply.AccessToken
	a.expires = tokenExpiry(reply.AccessToken, reply.ExpiresIn)
	return a.token, nil
}

// tokenExpiry prefers expires_in, then the JWT exp claim, then a short
// fixed TTL for opaque tokens. The token is never verified here; only its
// expiry is read.
func tokenExpiry(token string, expiresIn int64) time.Time {
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	if parsed, err := jwt.ParseInsecure([]byte(token)); err == nil {
		if exp := parsed.Expiration(); !exp.IsZero() {
			return exp
		}
	}
	return time.Now().Add(opaqueTokenTTL)
}
