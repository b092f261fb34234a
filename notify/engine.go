// Package notify reconciles tracked Twitch accounts against posted Discord
// notifications. Each tick re-derives the desired state from the provider and
// converges the persisted state toward it, so a crashed or skipped cycle is
// repaired by the next one.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/twitching/db"
	"github.com/onnwee/twitching/discordapi"
	"github.com/onnwee/twitching/telemetry"
	"github.com/onnwee/twitching/twitchapi"
)

const userBatchSize = 100

// Store is the persistence surface the engine needs.
type Store interface {
	ListNotifyGroups(ctx context.Context) ([]db.Group, error)
	SaveLiveNotified(ctx context.Context, guildID string, live db.StringSet) error
	GetStreamRecord(ctx context.Context, streamID string) (*db.StreamRecord, error)
	AppendStreamMessage(ctx context.Context, streamID, accountID string, ref db.MessageRef) error
	DeleteStreamRecord(ctx context.Context, streamID string) error
	SetState(ctx context.Context, key, value string) error
}

// LastTickKey is the kv entry recording when a cycle last completed.
const LastTickKey = "notify_last_tick"

// Provider answers account and live-status lookups.
type Provider interface {
	GetUsersByID(ctx context.Context, ids []string) ([]twitchapi.User, error)
	GetStreamByUserID(ctx context.Context, userID string) (*twitchapi.Stream, error)
}

// Sink posts and edits notification messages.
type Sink interface {
	CreateMessage(ctx context.Context, channelID string, payload discordapi.MessagePayload) (*discordapi.Message, error)
	EditMessage(ctx context.Context, channelID, messageID string, payload discordapi.MessagePayload) (*discordapi.Message, error)
	GetMessage(ctx context.Context, channelID, messageID string) (*discordapi.Message, error)
}

// Engine drives the reconciliation loop.
type Engine struct {
	Store    Store
	Provider Provider
	Sink     Sink
	Interval time.Duration
	Workers  int
}

func (e *Engine) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return 5
}

// StartNotifyJob runs reconciliation ticks until ctx is canceled. Ticks never
// overlap: a cycle that outruns the interval simply absorbs the missed ticks.
func (e *Engine) StartNotifyJob(ctx context.Context) {
	interval := e.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	slog.Info("starting notify job", slog.Duration("interval", interval), slog.Int("workers", e.workers()), slog.String("component", "notify"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		corrID := uuid.NewString()
		tctx := telemetry.WithCorrelation(ctx, corrID)
		tctx, span := telemetry.StartSpan(tctx, "notify", "reconcile-tick")
		defer span.End()
		if telemetry.TicksTotal != nil {
			telemetry.TicksTotal.Inc()
		}
		d := telemetry.TimeFunc(telemetry.TickDuration, func() {
			if err := e.ReconcileOnce(tctx); err != nil {
				telemetry.RecordError(span, err)
				telemetry.LoggerWithCorr(tctx).Error("reconcile tick failed", slog.Any("err", err), slog.String("component", "notify"))
			}
		})
		telemetry.LoggerWithCorr(tctx).Debug("reconcile tick done", slog.Duration("took", d), slog.String("component", "notify"))
	}

	run()
	for {
		select {
		case <-ctx.Done():
			slog.Info("notify job stopping", slog.String("component", "notify"))
			return
		case <-ticker.C:
			run()
		}
	}
}

// ReconcileOnce runs a single reconciliation cycle over every configured group.
// A failing group is logged and skipped; the rest of the cycle proceeds.
func (e *Engine) ReconcileOnce(ctx context.Context) error {
	groups, err := e.Store.ListNotifyGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	telemetry.SetGroupCount(len(groups))

	liveTotal := 0
	for _, g := range groups {
		g := g
		var gerr error
		telemetry.TimeFunc(telemetry.GroupDuration, func() {
			gerr = e.reconcileGroup(ctx, g)
		})
		if gerr != nil {
			if telemetry.GroupErrors != nil {
				telemetry.GroupErrors.Inc()
			}
			telemetry.LoggerWithCorr(ctx).Error("group reconcile failed",
				slog.String("guild_id", g.GuildID), slog.Any("err", gerr), slog.String("component", "notify"))
			continue
		}
		liveTotal += len(g.LiveNotified)
	}
	telemetry.SetLiveStreams(liveTotal)

	if err := e.Store.SetState(ctx, LastTickKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("failed to record tick completion", slog.Any("err", err), slog.String("component", "notify"))
	}
	return nil
}

// accountStatus is one tracked account's resolved state for this cycle.
type accountStatus struct {
	user   twitchapi.User
	stream *twitchapi.Stream // nil means explicitly offline
	gone   bool              // absent from the user lookup this cycle
	err    error             // status unknown this cycle
}

// reconcileGroup converges one group. The live set is mutated in place and
// written back as a single snapshot after every account has been handled, so a
// mid-cycle crash at worst repeats work on the next tick.
func (e *Engine) reconcileGroup(ctx context.Context, g db.Group) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("guild_id", g.GuildID), slog.String("component", "notify"))

	statuses, err := e.resolveAccounts(ctx, g.TrackedAccounts.Members())
	if err != nil {
		return err
	}

	records, err := e.loadRecords(ctx, g, log)
	if err != nil {
		return err
	}

	for _, st := range statuses {
		switch {
		case st.err != nil:
			if telemetry.ProviderErrors != nil {
				telemetry.ProviderErrors.Inc()
			}
			log.Warn("account status unknown this cycle", slog.String("account_id", st.user.ID), slog.Any("err", st.err))
			// Leave this account's state untouched; absence of data is not offline.
		case st.gone:
			// Absence from the user lookup is not an offline signal; the
			// account may be suspended or the response partial. Archival
			// waits for an explicit no-stream result.
			log.Debug("account missing from user lookup, skipping", slog.String("account_id", st.user.ID))
		case st.stream == nil:
			e.archiveAccountStreams(ctx, g, st.user.ID, records, log)
		default:
			e.handleLive(ctx, g, st, records, log)
		}
	}

	// Streams of accounts that were untracked since posting get closed out too.
	for _, rec := range records {
		if !g.TrackedAccounts.Has(rec.AccountID) {
			e.archiveStream(ctx, g, rec, log)
		}
	}

	if err := e.Store.SaveLiveNotified(ctx, g.GuildID, g.LiveNotified); err != nil {
		return fmt.Errorf("save live set: %w", err)
	}
	return nil
}

// resolveAccounts batches user metadata lookups, then fans out per-account
// stream lookups on a bounded pool. Order of the result is unspecified.
func (e *Engine) resolveAccounts(ctx context.Context, ids []string) ([]accountStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	users := make(map[string]twitchapi.User, len(ids))
	for start := 0; start < len(ids); start += userBatchSize {
		end := min(start+userBatchSize, len(ids))
		batch, err := e.Provider.GetUsersByID(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("resolve users: %w", err)
		}
		for _, u := range batch {
			users[u.ID] = u
		}
	}

	statuses := make([]accountStatus, len(ids))
	var eg errgroup.Group
	eg.SetLimit(e.workers())
	for i, id := range ids {
		i, id := i, id
		u, known := users[id]
		if !known {
			statuses[i] = accountStatus{user: twitchapi.User{ID: id}, gone: true}
			continue
		}
		statuses[i].user = u
		eg.Go(func() error {
			stream, err := e.Provider.GetStreamByUserID(ctx, id)
			statuses[i].stream = stream
			statuses[i].err = err
			return nil
		})
	}
	_ = eg.Wait()
	return statuses, nil
}

// loadRecords fetches the stream record behind every live-set entry. Entries
// whose record no longer exists were archived by another group already and are
// pruned here; their messages cannot be recovered and need no further edits.
func (e *Engine) loadRecords(ctx context.Context, g db.Group, log *slog.Logger) (map[string]*db.StreamRecord, error) {
	records := make(map[string]*db.StreamRecord, len(g.LiveNotified))
	for _, streamID := range g.LiveNotified.Members() {
		rec, err := e.Store.GetStreamRecord(ctx, streamID)
		if err != nil {
			return nil, fmt.Errorf("load stream record %s: %w", streamID, err)
		}
		if rec == nil {
			log.Debug("pruning live entry with no stream record", slog.String("stream_id", streamID))
			g.LiveNotified.Remove(streamID)
			continue
		}
		records[streamID] = rec
	}
	return records, nil
}

// handleLive posts a notification for a newly live stream and archives any
// previous session of the same account still marked live.
func (e *Engine) handleLive(ctx context.Context, g db.Group, st accountStatus, records map[string]*db.StreamRecord, log *slog.Logger) {
	stream := st.stream
	if g.LiveNotified.Has(stream.ID) {
		return
	}

	// A still-listed earlier session means the account restarted the stream.
	for id, rec := range records {
		if rec.AccountID == st.user.ID && id != stream.ID {
			e.archiveStream(ctx, g, rec, log)
			delete(records, id)
		}
	}

	content, allowed := mentionContent(g, st.user.ID)
	payload := discordapi.MessagePayload{
		Content:         content,
		Embeds:          []discordapi.Embed{buildLiveEmbed(st.user, stream)},
		AllowedMentions: allowed,
	}
	msg, err := e.Sink.CreateMessage(ctx, g.PostChannel, payload)
	if err != nil {
		if telemetry.ProviderErrors != nil {
			telemetry.ProviderErrors.Inc()
		}
		log.Error("failed to post live notification",
			slog.String("account_id", st.user.ID), slog.String("stream_id", stream.ID), slog.Any("err", err))
		return
	}
	ref := db.MessageRef{ChannelID: msg.ChannelID, MessageID: msg.ID}
	if err := e.Store.AppendStreamMessage(ctx, stream.ID, st.user.ID, ref); err != nil {
		// The message is posted but unrecorded; it will not be archived later.
		log.Error("failed to record posted notification",
			slog.String("stream_id", stream.ID), slog.String("message_id", msg.ID), slog.Any("err", err))
		return
	}
	g.LiveNotified.Add(stream.ID)
	if telemetry.NotificationsPosted != nil {
		telemetry.NotificationsPosted.Inc()
	}
	log.Info("posted live notification",
		slog.String("account", st.user.Login), slog.String("stream_id", stream.ID),
		slog.Duration("started_ago", startedAgo(stream)))
}
