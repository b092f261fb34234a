// Package discordapi is a minimal Discord REST client covering exactly what the
// notifier needs: create a channel message, edit it later, and fetch it back
// for archival. No gateway connection is held.
package discordapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// ErrNotFound marks a deleted or inaccessible channel/message. Callers treat it
// as a logged no-op, never a retry.
var ErrNotFound = errors.New("discord: not found")

const defaultBaseURL = "https://discord.com/api/v10"

// Client is a bot-token REST client.
type Client struct {
	Token      string
	BaseURL    string // override for tests; empty means the public API
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

// EmbedAuthor is the byline block of an embed.
type EmbedAuthor struct {
	Name    string `json:"name,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// EmbedImage is an embed's large image.
type EmbedImage struct {
	URL string `json:"url,omitempty"`
}

// Embed is the subset of Discord's embed object the notifier uses.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
}

// AllowedMentions restricts which mentions in content actually ping.
type AllowedMentions struct {
	Roles []string `json:"roles,omitempty"`
}

// MessagePayload is the create/edit request body.
type MessagePayload struct {
	Content         string           `json:"content,omitempty"`
	Embeds          []Embed          `json:"embeds,omitempty"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}

// Message is a posted message handle plus the embed state archival needs.
type Message struct {
	ID        string  `json:"id"`
	ChannelID string  `json:"channel_id"`
	Content   string  `json:"content"`
	Embeds    []Embed `json:"embeds"`
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord %s %s failed: %s: %s", method, path, resp.Status, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateMessage posts a message and returns its handle.
func (c *Client) CreateMessage(ctx context.Context, channelID string, payload MessagePayload) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage replaces a message's content and embeds.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, payload MessagePayload) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessage fetches a previously posted message, resolving the current embed
// state before an archival edit.
func (c *Client) GetMessage(ctx context.Context, channelID, messageID string) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages/"+messageID, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
