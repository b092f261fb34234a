package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/onnwee/twitching/db"
)

// HandleGroupsDispatcher routes /admin/groups/{guild} and its sub-resources.
func (h *Handlers) HandleGroupsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/groups/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	guildID := parts[0]
	if guildID == "" {
		writeError(w, http.StatusBadRequest, "missing guild id")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		h.handleGroupGet(w, r, guildID)
	case "channel":
		h.handleGroupChannel(w, r, guildID)
	case "streamers":
		h.handleGroupStreamers(w, r, guildID)
	case "mention":
		h.handleGroupMention(w, r, guildID)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (h *Handlers) handleGroupGet(w http.ResponseWriter, r *http.Request, guildID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	g, err := h.Store.GetGroup(r.Context(), guildID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load group")
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"guild_id":         g.GuildID,
		"post_channel":     g.PostChannel,
		"tracked_accounts": g.TrackedAccounts.Members(),
		"live_notified":    g.LiveNotified.Members(),
		"mention_roles":    g.MentionRoles,
	})
}

// handleGroupChannel sets or clears the channel notifications are posted to.
// Clearing suspends the group without losing its tracked accounts.
func (h *Handlers) handleGroupChannel(w http.ResponseWriter, r *http.Request, guildID string) {
	switch r.Method {
	case http.MethodPut:
		var body struct {
			ChannelID string `json:"channel_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChannelID == "" {
			writeError(w, http.StatusBadRequest, "channel_id required")
			return
		}
		if err := h.Store.SetGroupChannel(r.Context(), guildID, body.ChannelID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to set channel")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"guild_id": guildID, "post_channel": body.ChannelID})
	case http.MethodDelete:
		if err := h.Store.SetGroupChannel(r.Context(), guildID, ""); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to clear channel")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"guild_id": guildID, "post_channel": ""})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGroupStreamers adds or removes a tracked account by login name. Adds
// resolve the login upstream so the stored id survives later renames.
func (h *Handlers) handleGroupStreamers(w http.ResponseWriter, r *http.Request, guildID string) {
	var body struct {
		Login     string `json:"login"`
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	g, err := h.Store.GetGroup(r.Context(), guildID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load group")
		return
	}
	tracked := db.NewStringSet()
	if g != nil {
		tracked = g.TrackedAccounts.Clone()
	}

	switch r.Method {
	case http.MethodPost:
		if body.Login == "" {
			writeError(w, http.StatusBadRequest, "login required")
			return
		}
		user, err := h.Resolver.GetUserByLogin(r.Context(), strings.ToLower(body.Login))
		if err != nil {
			writeError(w, http.StatusNotFound, "no such twitch account")
			return
		}
		if tracked.Has(user.ID) {
			writeError(w, http.StatusConflict, "account already tracked")
			return
		}
		tracked.Add(user.ID)
		if err := h.Store.SetGroupTracked(r.Context(), guildID, tracked); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save tracked accounts")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"account_id": user.ID, "login": user.Login, "tracked_accounts": tracked.Members()})
	case http.MethodDelete:
		id := body.AccountID
		if id == "" && body.Login != "" {
			user, err := h.Resolver.GetUserByLogin(r.Context(), strings.ToLower(body.Login))
			if err != nil {
				writeError(w, http.StatusNotFound, "no such twitch account")
				return
			}
			id = user.ID
		}
		if id == "" {
			writeError(w, http.StatusBadRequest, "login or account_id required")
			return
		}
		if !tracked.Has(id) {
			writeError(w, http.StatusNotFound, "account not tracked")
			return
		}
		tracked.Remove(id)
		if err := h.Store.SetGroupTracked(r.Context(), guildID, tracked); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save tracked accounts")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "tracked_accounts": tracked.Members()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGroupMention maps an account id, or "all", to a Discord role to ping.
func (h *Handlers) handleGroupMention(w http.ResponseWriter, r *http.Request, guildID string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		AccountID string `json:"account_id"`
		RoleID    string `json:"role_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccountID == "" || body.RoleID == "" {
		writeError(w, http.StatusBadRequest, "account_id and role_id required")
		return
	}
	if err := h.Store.SetGroupMention(r.Context(), guildID, body.AccountID, body.RoleID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set mention role")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"guild_id": guildID, "account_id": body.AccountID, "role_id": body.RoleID})
}
