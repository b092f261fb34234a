// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for batched user lookup and live-stream status, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxUserBatch is Helix's per-request id cap; one query covers a whole group.
const maxUserBatch = 100

// HelixClient provides the user and stream lookups the notifier needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// User is Helix account metadata.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	Description     string `json:"description"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Stream is one live session.
type Stream struct {
	ID           string
	UserID       string
	Title        string
	StartedAt    time.Time
	ThumbnailURL string
}

func (hc *HelixClient) do(ctx context.Context, path string, query map[string][]string, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix"+path, nil)
	q := req.URL.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("helix %s failed: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUsersByID resolves up to 100 user ids in one batched call. Ids unknown to
// Twitch are simply absent from the result; that is how account deletion shows up.
func (hc *HelixClient) GetUsersByID(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxUserBatch {
		return nil, fmt.Errorf("too many user ids: %d (max %d)", len(ids), maxUserBatch)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, "/users", map[string][]string{"id": ids}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetUserByLogin resolves a login name to its account, or an error if unknown.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, "/users", map[string][]string{"login": {login}}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}

// GetStreamByUserID returns the account's current live stream, or nil when the
// account is explicitly not streaming. An error means status is unknown this
// cycle, which is distinct from offline.
func (hc *HelixClient) GetStreamByUserID(ctx context.Context, userID string) (*Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	var body struct {
		Data []struct {
			ID           string `json:"id"`
			UserID       string `json:"user_id"`
			Title        string `json:"title"`
			StartedAt    string `json:"started_at"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := hc.do(ctx, "/streams", map[string][]string{"user_id": {userID}}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	d := body.Data[0]
	started, _ := time.Parse(time.RFC3339, d.StartedAt)
	return &Stream{ID: d.ID, UserID: d.UserID, Title: d.Title, StartedAt: started, ThumbnailURL: d.ThumbnailURL}, nil
}
