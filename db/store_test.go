package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
)

// openTestDB connects to TEST_PG_DSN, migrates, and clears notifier state.
// Tests are skipped when no database is configured.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := Open(dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"groups", "streams"} {
		if _, err := database.Exec("DELETE FROM " + table); err != nil {
			database.Close()
			t.Fatalf("clear %s: %v", table, err)
		}
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestGroupConfigRoundTrip(t *testing.T) {
	database := openTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	if err := store.SetGroupChannel(ctx, "guild-1", "chan-1"); err != nil {
		t.Fatalf("set channel: %v", err)
	}
	if err := store.SetGroupTracked(ctx, "guild-1", NewStringSet("u1", "u2")); err != nil {
		t.Fatalf("set tracked: %v", err)
	}
	if err := store.SetGroupMention(ctx, "guild-1", "u1", "role-1"); err != nil {
		t.Fatalf("set mention: %v", err)
	}
	if err := store.SetGroupMention(ctx, "guild-1", "all", "role-all"); err != nil {
		t.Fatalf("set mention all: %v", err)
	}

	g, err := store.GetGroup(ctx, "guild-1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if g == nil {
		t.Fatal("group should exist")
	}
	if g.PostChannel != "chan-1" {
		t.Fatalf("post channel = %q", g.PostChannel)
	}
	if !g.TrackedAccounts.Has("u1") || !g.TrackedAccounts.Has("u2") {
		t.Fatalf("tracked = %v", g.TrackedAccounts.Members())
	}
	// Mention upserts merge rather than replace.
	if g.MentionRoles["u1"] != "role-1" || g.MentionRoles["all"] != "role-all" {
		t.Fatalf("mentions = %v", g.MentionRoles)
	}
}

func TestGetGroupMissingReturnsNil(t *testing.T) {
	database := openTestDB(t)
	store := &Store{DB: database}

	g, err := store.GetGroup(context.Background(), "no-such-guild")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if g != nil {
		t.Fatalf("expected nil, got %+v", g)
	}
}

func TestListNotifyGroupsSkipsUnconfigured(t *testing.T) {
	database := openTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	if err := store.SetGroupChannel(ctx, "guild-b", "chan-b"); err != nil {
		t.Fatalf("set channel: %v", err)
	}
	if err := store.SetGroupChannel(ctx, "guild-a", "chan-a"); err != nil {
		t.Fatalf("set channel: %v", err)
	}
	// Tracked accounts without a channel keep the group out of the notify pass.
	if err := store.SetGroupTracked(ctx, "guild-c", NewStringSet("u1")); err != nil {
		t.Fatalf("set tracked: %v", err)
	}

	groups, err := store.ListNotifyGroups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].GuildID != "guild-a" || groups[1].GuildID != "guild-b" {
		t.Fatalf("order = %s, %s", groups[0].GuildID, groups[1].GuildID)
	}
}

func TestClearChannelSuspendsGroup(t *testing.T) {
	database := openTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	if err := store.SetGroupChannel(ctx, "guild-1", "chan-1"); err != nil {
		t.Fatalf("set channel: %v", err)
	}
	if err := store.SetGroupChannel(ctx, "guild-1", ""); err != nil {
		t.Fatalf("clear channel: %v", err)
	}
	groups, err := store.ListNotifyGroups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("suspended group still listed: %v", groups)
	}
	// Config survives the suspension.
	g, err := store.GetGroup(ctx, "guild-1")
	if err != nil || g == nil {
		t.Fatalf("get group: g=%v err=%v", g, err)
	}
}

func TestSaveLiveNotifiedSnapshot(t *testing.T) {
	database := openTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	if err := store.SetGroupChannel(ctx, "guild-1", "chan-1"); err != nil {
		t.Fatalf("set channel: %v", err)
	}
	if err := store.SaveLiveNotified(ctx, "guild-1", NewStringSet("s1", "s2")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveLiveNotified(ctx, "guild-1", NewStringSet("s2")); err != nil {
		t.Fatalf("save again: %v", err)
	}
	g, err := store.GetGroup(ctx, "guild-1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if g.LiveNotified.Has("s1") || !g.LiveNotified.Has("s2") {
		t.Fatalf("live = %v", g.LiveNotified.Members())
	}
}

func TestAppendStreamMessageDeduplicates(t *testing.T) {
	database := openTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	ref := MessageRef{ChannelID: "c1", MessageID: "m1"}
	if err := store.AppendStreamMessage(ctx, "s1", "u1", ref); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendStreamMessage(ctx, "s1", "u1", ref); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if err := store.AppendStreamMessage(ctx, "s1", "u1", MessageRef{ChannelID: "c2", MessageID: "m2"}); err != nil {
		t.Fatalf("append second: %v", err)
	}

	rec, err := store.GetStreamRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec == nil || rec.AccountID != "u1" {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.PostedMessages) != 2 {
		t.Fatalf("messages = %v", rec.PostedMessages)
	}
}

func TestStateRoundTrip(t *testing.T) {
	database := openTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	got, err := store.GetState(ctx, "notify_test_key")
	if err != nil || got != "" {
		t.Fatalf("missing key: got=%q err=%v", got, err)
	}
	if err := store.SetState(ctx, "notify_test_key", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetState(ctx, "notify_test_key", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = store.GetState(ctx, "notify_test_key")
	if err != nil || got != "v2" {
		t.Fatalf("got=%q err=%v", got, err)
	}
}

func TestDeleteStreamRecord(t *testing.T) {
	database := openTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	ref := MessageRef{ChannelID: "c1", MessageID: "m1"}
	if err := store.AppendStreamMessage(ctx, "s1", "u1", ref); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.DeleteStreamRecord(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rec, err := store.GetStreamRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec != nil {
		t.Fatalf("record should be gone, got %+v", rec)
	}
	// Deleting again is a no-op.
	if err := store.DeleteStreamRecord(ctx, "s1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
