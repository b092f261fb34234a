package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/onnwee/twitching/db"
	"github.com/onnwee/twitching/discordapi"
	"github.com/onnwee/twitching/twitchapi"
)

type fakeStore struct {
	mu      sync.Mutex
	groups  []db.Group
	live    map[string]db.StringSet // guild id -> last saved snapshot
	records map[string]*db.StreamRecord

	listErr error
	saveErr error
}

func newFakeStore(groups ...db.Group) *fakeStore {
	return &fakeStore{
		groups:  groups,
		live:    make(map[string]db.StringSet),
		records: make(map[string]*db.StreamRecord),
	}
}

func (f *fakeStore) ListNotifyGroups(ctx context.Context) ([]db.Group, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.groups, nil
}

func (f *fakeStore) SaveLiveNotified(ctx context.Context, guildID string, live db.StringSet) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[guildID] = live.Clone()
	return nil
}

func (f *fakeStore) GetStreamRecord(ctx context.Context, streamID string) (*db.StreamRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[streamID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) AppendStreamMessage(ctx context.Context, streamID, accountID string, ref db.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[streamID]
	if !ok {
		rec = &db.StreamRecord{StreamID: streamID, AccountID: accountID}
		f.records[streamID] = rec
	}
	rec.PostedMessages = append(rec.PostedMessages, ref)
	return nil
}

func (f *fakeStore) SetState(ctx context.Context, key, value string) error {
	return nil
}

func (f *fakeStore) DeleteStreamRecord(ctx context.Context, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, streamID)
	return nil
}

type fakeProvider struct {
	mu        sync.Mutex
	users     map[string]twitchapi.User
	streams   map[string]*twitchapi.Stream
	errs      map[string]error // per-account stream lookup failures
	batchErrs map[string]error // fails the whole user batch containing the id
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		users:     make(map[string]twitchapi.User),
		streams:   make(map[string]*twitchapi.Stream),
		errs:      make(map[string]error),
		batchErrs: make(map[string]error),
	}
}

func (f *fakeProvider) addUser(id, login string) {
	f.users[id] = twitchapi.User{ID: id, Login: login, DisplayName: login}
}

func (f *fakeProvider) setLive(userID, streamID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[userID] = &twitchapi.Stream{ID: streamID, UserID: userID, Title: "playing games"}
}

func (f *fakeProvider) setOffline(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, userID)
}

func (f *fakeProvider) GetUsersByID(ctx context.Context, ids []string) ([]twitchapi.User, error) {
	var out []twitchapi.User
	for _, id := range ids {
		if err := f.batchErrs[id]; err != nil {
			return nil, err
		}
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeProvider) GetStreamByUserID(ctx context.Context, userID string) (*twitchapi.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[userID]; err != nil {
		return nil, err
	}
	return f.streams[userID], nil
}

type sinkMessage struct {
	channelID string
	payload   discordapi.MessagePayload
	edited    bool
}

type fakeSink struct {
	mu       sync.Mutex
	nextID   int
	messages map[string]*sinkMessage // message id -> state
	posts    int
	edits    int

	createErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{messages: make(map[string]*sinkMessage)}
}

func (f *fakeSink) CreateMessage(ctx context.Context, channelID string, payload discordapi.MessagePayload) (*discordapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.posts++
	id := fmt.Sprintf("m%d", f.nextID)
	f.messages[id] = &sinkMessage{channelID: channelID, payload: payload}
	return &discordapi.Message{ID: id, ChannelID: channelID, Content: payload.Content, Embeds: payload.Embeds}, nil
}

func (f *fakeSink) EditMessage(ctx context.Context, channelID, messageID string, payload discordapi.MessagePayload) (*discordapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, discordapi.ErrNotFound
	}
	msg.payload.Embeds = payload.Embeds
	msg.edited = true
	f.edits++
	return &discordapi.Message{ID: messageID, ChannelID: channelID, Embeds: payload.Embeds}, nil
}

func (f *fakeSink) GetMessage(ctx context.Context, channelID, messageID string) (*discordapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, discordapi.ErrNotFound
	}
	return &discordapi.Message{ID: messageID, ChannelID: channelID, Content: msg.payload.Content, Embeds: msg.payload.Embeds}, nil
}

func testGroup(guildID string, accounts ...string) db.Group {
	return db.Group{
		GuildID:         guildID,
		PostChannel:     "chan-" + guildID,
		TrackedAccounts: db.NewStringSet(accounts...),
		LiveNotified:    db.NewStringSet(),
		MentionRoles:    map[string]string{},
	}
}

func newTestEngine(store *fakeStore, provider *fakeProvider, sink *fakeSink) *Engine {
	return &Engine{Store: store, Provider: provider, Sink: sink, Workers: 2}
}

func TestReconcilePostsForNewLiveStream(t *testing.T) {
	store := newFakeStore(testGroup("g1", "u1"))
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	provider.setLive("u1", "s1")
	sink := newFakeSink()
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if sink.posts != 1 {
		t.Fatalf("expected 1 post, got %d", sink.posts)
	}
	if !store.live["g1"].Has("s1") {
		t.Fatalf("live set should contain s1, got %v", store.live["g1"].Members())
	}
	rec := store.records["s1"]
	if rec == nil || rec.AccountID != "u1" || len(rec.PostedMessages) != 1 {
		t.Fatalf("unexpected stream record: %+v", rec)
	}
}

func TestReconcileIsIdempotentWhileLive(t *testing.T) {
	store := newFakeStore(testGroup("g1", "u1"))
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	provider.setLive("u1", "s1")
	sink := newFakeSink()
	eng := newTestEngine(store, provider, sink)

	for i := 0; i < 3; i++ {
		if err := eng.ReconcileOnce(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if sink.posts != 1 {
		t.Fatalf("expected exactly 1 post across ticks, got %d", sink.posts)
	}
}

func TestReconcileArchivesWhenOffline(t *testing.T) {
	store := newFakeStore(testGroup("g1", "u1"))
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	provider.setLive("u1", "s1")
	sink := newFakeSink()
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("live tick: %v", err)
	}
	provider.setOffline("u1")
	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("offline tick: %v", err)
	}

	if sink.edits != 1 {
		t.Fatalf("expected 1 archival edit, got %d", sink.edits)
	}
	if len(store.live["g1"]) != 0 {
		t.Fatalf("live set should be empty, got %v", store.live["g1"].Members())
	}
	if store.records["s1"] != nil {
		t.Fatal("stream record should be deleted after archival")
	}
}

func TestReconcileSkipsAccountMissingFromLookup(t *testing.T) {
	store := newFakeStore(testGroup("g1", "u1"))
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	provider.setLive("u1", "s1")
	sink := newFakeSink()
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("live tick: %v", err)
	}
	// The account vanishing from the batched lookup (suspension, partial
	// response) is not an offline signal and must not touch anything.
	delete(provider.users, "u1")
	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("missing tick: %v", err)
	}
	if sink.edits != 0 {
		t.Fatalf("missing account must not archive, got %d edits", sink.edits)
	}
	if !store.live["g1"].Has("s1") || store.records["s1"] == nil {
		t.Fatalf("notified state must survive the lookup gap: live=%v record=%+v",
			store.live["g1"].Members(), store.records["s1"])
	}

	// When the account reappears still live, nothing is re-posted.
	provider.addUser("u1", "streamer_one")
	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reappear tick: %v", err)
	}
	if sink.posts != 1 {
		t.Fatalf("expected no duplicate post after reappearing, got %d posts", sink.posts)
	}
}

func TestReconcileLeavesStateOnProviderError(t *testing.T) {
	store := newFakeStore(testGroup("g1", "u1"))
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	provider.setLive("u1", "s1")
	sink := newFakeSink()
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("live tick: %v", err)
	}
	provider.errs["u1"] = errors.New("rate limited")
	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("error tick: %v", err)
	}

	if sink.edits != 0 {
		t.Fatalf("lookup failure must not archive, got %d edits", sink.edits)
	}
	if !store.live["g1"].Has("s1") {
		t.Fatal("live set must be preserved while status is unknown")
	}
}

func TestReconcileArchivesOldSessionOnRestart(t *testing.T) {
	store := newFakeStore(testGroup("g1", "u1"))
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	provider.setLive("u1", "s1")
	sink := newFakeSink()
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	provider.setLive("u1", "s2")
	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("restart tick: %v", err)
	}

	if sink.posts != 2 {
		t.Fatalf("expected a fresh post for the new session, got %d posts", sink.posts)
	}
	if sink.edits != 1 {
		t.Fatalf("expected the old session archived, got %d edits", sink.edits)
	}
	live := store.live["g1"]
	if !live.Has("s2") || live.Has("s1") {
		t.Fatalf("live set should hold only s2, got %v", live.Members())
	}
}

func TestReconcilePrunesLiveEntryWithoutRecord(t *testing.T) {
	g := testGroup("g1", "u1")
	g.LiveNotified.Add("s-stale")
	store := newFakeStore(g)
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	sink := newFakeSink()
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(store.live["g1"]) != 0 {
		t.Fatalf("stale entry should be pruned, got %v", store.live["g1"].Members())
	}
	if sink.edits != 0 {
		t.Fatal("pruning must not edit any messages")
	}
}

func TestReconcileArchivesUntrackedAccountStreams(t *testing.T) {
	g := testGroup("g1", "u1")
	g.LiveNotified.Add("s9")
	store := newFakeStore(g)
	store.records["s9"] = &db.StreamRecord{StreamID: "s9", AccountID: "u9",
		PostedMessages: []db.MessageRef{{ChannelID: "chan-g1", MessageID: "m1"}}}
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	sink := newFakeSink()
	sink.messages["m1"] = &sinkMessage{channelID: "chan-g1"}
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if store.records["s9"] != nil || store.live["g1"].Has("s9") {
		t.Fatal("untracked account's stream should be archived")
	}
}

func TestReconcileGroupsAreIsolated(t *testing.T) {
	g1 := testGroup("g1", "u1")
	g1.LiveNotified.Add("s1")
	store := newFakeStore(g1, testGroup("g2", "u2"))
	store.records["s1"] = &db.StreamRecord{StreamID: "s1", AccountID: "u1",
		PostedMessages: []db.MessageRef{{ChannelID: "chan-g1", MessageID: "m1"}}}
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	provider.batchErrs["u1"] = errors.New("helix unavailable")
	provider.addUser("u2", "streamer_two")
	provider.setLive("u2", "s2")
	sink := newFakeSink()
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// g1's batch lookup failed, so its saved state is untouched.
	if _, saved := store.live["g1"]; saved {
		t.Fatalf("failing group must not write a snapshot, got %v", store.live["g1"].Members())
	}
	if store.records["s1"] == nil || sink.edits != 0 {
		t.Fatalf("failing group's notifications must be left alone: record=%+v edits=%d", store.records["s1"], sink.edits)
	}
	// g2 still reconciles and posts.
	if !store.live["g2"].Has("s2") || sink.posts != 1 {
		t.Fatalf("healthy group should still post: live=%v posts=%d", store.live["g2"].Members(), sink.posts)
	}
}

func TestReconcileSkipsPostWhenCreateFails(t *testing.T) {
	store := newFakeStore(testGroup("g1", "u1"))
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	provider.setLive("u1", "s1")
	sink := newFakeSink()
	sink.createErr = errors.New("channel deleted")
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if store.live["g1"].Has("s1") {
		t.Fatal("failed post must not mark the stream notified")
	}

	// Once posting works again the next tick picks it up.
	sink.createErr = nil
	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if !store.live["g1"].Has("s1") {
		t.Fatal("stream should be notified after sink recovers")
	}
}

func TestReconcileMentionsConfiguredRole(t *testing.T) {
	g := testGroup("g1", "u1")
	g.MentionRoles = map[string]string{"all": "r-all", "u1": "r-exact"}
	store := newFakeStore(g)
	provider := newFakeProvider()
	provider.addUser("u1", "streamer_one")
	provider.setLive("u1", "s1")
	sink := newFakeSink()
	eng := newTestEngine(store, provider, sink)

	if err := eng.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, msg := range sink.messages {
		if msg.payload.Content != "<@&r-exact>" {
			t.Fatalf("exact mapping should win, got content %q", msg.payload.Content)
		}
		if msg.payload.AllowedMentions == nil || len(msg.payload.AllowedMentions.Roles) != 1 || msg.payload.AllowedMentions.Roles[0] != "r-exact" {
			t.Fatalf("allowed mentions should carry the pinged role, got %+v", msg.payload.AllowedMentions)
		}
	}
}
