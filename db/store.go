package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// MentionAll is the mention_roles key that applies to every tracked account
// without an exact mapping of its own.
const MentionAll = "all"

// Group is one community's notification configuration and reconciliation state.
type Group struct {
	GuildID         string
	PostChannel     string // empty means notifications are suppressed
	TrackedAccounts StringSet
	LiveNotified    StringSet
	MentionRoles    map[string]string // account id (or "all") -> role id
}

// StreamRecord tracks one live session and every notification posted for it,
// across all groups. Keyed by the provider-assigned stream id.
type StreamRecord struct {
	StreamID       string
	AccountID      string
	PostedMessages []MessageRef
}

// HasMessage reports whether ref is already recorded.
func (r *StreamRecord) HasMessage(ref MessageRef) bool {
	for _, m := range r.PostedMessages {
		if m == ref {
			return true
		}
	}
	return false
}

// Store exposes group and stream state on top of a Querier. All writes are
// parameterized upserts so concurrent instances never read-modify-write.
type Store struct{ DB Querier }

func scanGroup(guildID string, postChannel sql.NullString, tracked, live, mentions []byte) Group {
	g := Group{GuildID: guildID, PostChannel: postChannel.String}
	var ok bool
	if g.TrackedAccounts, ok = decodeSet(tracked); !ok {
		slog.Warn("malformed tracked_accounts, treating as empty", slog.String("guild_id", guildID), slog.String("component", "db_store"))
	}
	if g.LiveNotified, ok = decodeSet(live); !ok {
		slog.Warn("malformed live_notified, treating as empty", slog.String("guild_id", guildID), slog.String("component", "db_store"))
	}
	if g.MentionRoles, ok = decodeMap(mentions); !ok {
		slog.Warn("malformed mention_roles, treating as empty", slog.String("guild_id", guildID), slog.String("component", "db_store"))
	}
	return g
}

// ListNotifyGroups returns every group with a configured post channel, in stable
// guild-id order. Malformed JSON state degrades to empty fields per group.
func (s *Store) ListNotifyGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT guild_id, post_channel, tracked_accounts, live_notified, mention_roles
		FROM groups WHERE post_channel IS NOT NULL AND post_channel <> '' ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var guildID string
		var postChannel sql.NullString
		var tracked, live, mentions []byte
		if err := rows.Scan(&guildID, &postChannel, &tracked, &live, &mentions); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, scanGroup(guildID, postChannel, tracked, live, mentions))
	}
	return out, rows.Err()
}

// GetGroup returns a single group's state, or nil when the guild is unknown.
func (s *Store) GetGroup(ctx context.Context, guildID string) (*Group, error) {
	var postChannel sql.NullString
	var tracked, live, mentions []byte
	err := s.DB.QueryRowContext(ctx, `SELECT post_channel, tracked_accounts, live_notified, mention_roles
		FROM groups WHERE guild_id=$1`, guildID).Scan(&postChannel, &tracked, &live, &mentions)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	g := scanGroup(guildID, postChannel, tracked, live, mentions)
	return &g, nil
}

// SetGroupChannel sets (or clears, with empty channelID) the group's post channel.
func (s *Store) SetGroupChannel(ctx context.Context, guildID, channelID string) error {
	ch := sql.NullString{String: channelID, Valid: channelID != ""}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO groups (guild_id, post_channel, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(guild_id) DO UPDATE SET post_channel=EXCLUDED.post_channel, updated_at=NOW()`, guildID, ch)
	return err
}

// SetGroupTracked replaces the group's tracked-account set.
func (s *Store) SetGroupTracked(ctx context.Context, guildID string, accounts StringSet) error {
	raw, err := json.Marshal(accounts)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO groups (guild_id, tracked_accounts, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(guild_id) DO UPDATE SET tracked_accounts=EXCLUDED.tracked_accounts, updated_at=NOW()`, guildID, raw)
	return err
}

// SetGroupMention upserts one mention-routing entry (accountID or "all").
func (s *Store) SetGroupMention(ctx context.Context, guildID, accountID, roleID string) error {
	entry, err := json.Marshal(map[string]string{accountID: roleID})
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO groups (guild_id, mention_roles, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(guild_id) DO UPDATE SET mention_roles=COALESCE(groups.mention_roles,'{}'::jsonb) || EXCLUDED.mention_roles, updated_at=NOW()`, guildID, entry)
	return err
}

// SaveLiveNotified persists the group's whole live-notified set in one write,
// giving per-group snapshot consistency across ticks.
func (s *Store) SaveLiveNotified(ctx context.Context, guildID string, live StringSet) error {
	raw, err := json.Marshal(live)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO groups (guild_id, live_notified, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(guild_id) DO UPDATE SET live_notified=EXCLUDED.live_notified, updated_at=NOW()`, guildID, raw)
	return err
}

// GetStreamRecord returns the record for a stream id, or nil when absent.
func (s *Store) GetStreamRecord(ctx context.Context, streamID string) (*StreamRecord, error) {
	var accountID string
	var posted []byte
	err := s.DB.QueryRowContext(ctx, `SELECT account_id, posted_messages FROM streams WHERE stream_id=$1`, streamID).
		Scan(&accountID, &posted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	rec := &StreamRecord{StreamID: streamID, AccountID: accountID}
	if len(posted) > 0 {
		if err := json.Unmarshal(posted, &rec.PostedMessages); err != nil {
			slog.Warn("malformed posted_messages, treating as empty", slog.String("stream_id", streamID), slog.String("component", "db_store"))
			rec.PostedMessages = nil
		}
	}
	return rec, nil
}

// AppendStreamMessage records a posted notification handle for a stream, creating
// the record on first post. The jsonb containment guard deduplicates the pair
// without a read-modify-write cycle.
func (s *Store) AppendStreamMessage(ctx context.Context, streamID, accountID string, ref MessageRef) error {
	one, err := json.Marshal([]MessageRef{ref})
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO streams (stream_id, account_id, posted_messages, updated_at) VALUES ($1,$2,$3,NOW())
		ON CONFLICT(stream_id) DO UPDATE SET
			posted_messages=CASE WHEN streams.posted_messages @> EXCLUDED.posted_messages
				THEN streams.posted_messages
				ELSE streams.posted_messages || EXCLUDED.posted_messages END,
			updated_at=NOW()`, streamID, accountID, one)
	return err
}

// SetState writes an operational kv entry, such as the last completed tick time.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetState reads an operational kv entry, empty string when absent.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return value.String, nil
}

// DeleteStreamRecord retires a stream record after archival has been attempted.
func (s *Store) DeleteStreamRecord(ctx context.Context, streamID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM streams WHERE stream_id=$1`, streamID)
	return err
}
