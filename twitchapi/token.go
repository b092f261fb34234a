package twitchapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// defaultTokenURL is Twitch's app-token (client credentials) endpoint.
const defaultTokenURL = "https://id.twitch.tv/oauth2/token"

// TokenStore persists the app access token so it survives restarts. Optional.
type TokenStore interface {
	SaveAppToken(ctx context.Context, token string, expiry time.Time) error
	LoadAppToken(ctx context.Context) (string, time.Time, error)
}

// TokenSource fetches and caches a Twitch app access (client credentials) token
// via golang.org/x/oauth2. With a Store attached, a still-fresh persisted token
// is reused on startup and every refreshed token is written back.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // override for tests; empty means the Twitch endpoint
	HTTPClient   *http.Client
	Store        TokenStore

	mu          sync.Mutex
	token       string
	expiresAt   time.Time
	loadedStore bool
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second { // 1 min buffer
		return ts.token, nil
	}
	if ts.Store != nil && !ts.loadedStore {
		ts.loadedStore = true
		if tok, expiry, err := ts.Store.LoadAppToken(ctx); err == nil && tok != "" && time.Until(expiry) > 60*time.Second {
			ts.token, ts.expiresAt = tok, expiry
			return ts.token, nil
		}
	}

	conf := &clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     ts.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams, // Twitch wants credentials in the form body
	}
	if conf.TokenURL == "" {
		conf.TokenURL = defaultTokenURL
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := conf.Token(ctx)
	if err != nil {
		return "", err
	}
	ts.token = tok.AccessToken
	ts.expiresAt = tok.Expiry
	if ts.Store != nil {
		if err := ts.Store.SaveAppToken(ctx, ts.token, ts.expiresAt); err != nil {
			// Persistence is an optimization; the in-memory token is authoritative.
			return ts.token, nil
		}
	}
	return ts.token, nil
}

// SetToken pre-seeds the cache. Test helper.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = token
	ts.expiresAt = expiresAt
	ts.loadedStore = true
}
