package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/onnwee/twitching/db"
	"github.com/onnwee/twitching/discordapi"
	"github.com/onnwee/twitching/telemetry"
)

// archiveAccountStreams archives every still-listed session of one account.
func (e *Engine) archiveAccountStreams(ctx context.Context, g db.Group, accountID string, records map[string]*db.StreamRecord, log *slog.Logger) {
	for id, rec := range records {
		if rec.AccountID != accountID {
			continue
		}
		e.archiveStream(ctx, g, rec, log)
		delete(records, id)
	}
}

// archiveStream edits every message posted for the stream into its ended form,
// deletes the record, and drops the stream from the group's live set. Deleted
// messages or channels are skipped; a failed edit is logged and not retried,
// so each message is edited at most once.
func (e *Engine) archiveStream(ctx context.Context, g db.Group, rec *db.StreamRecord, log *slog.Logger) {
	for _, ref := range rec.PostedMessages {
		msg, err := e.Sink.GetMessage(ctx, ref.ChannelID, ref.MessageID)
		if err != nil {
			if errors.Is(err, discordapi.ErrNotFound) {
				log.Debug("notification message gone, skipping archival edit",
					slog.String("channel_id", ref.ChannelID), slog.String("message_id", ref.MessageID))
				continue
			}
			if telemetry.ArchiveEditFailures != nil {
				telemetry.ArchiveEditFailures.Inc()
			}
			log.Warn("failed to fetch notification for archival",
				slog.String("message_id", ref.MessageID), slog.Any("err", err))
			continue
		}
		embeds := make([]discordapi.Embed, 0, len(msg.Embeds))
		for _, em := range msg.Embeds {
			embeds = append(embeds, archiveEmbed(em))
		}
		payload := discordapi.MessagePayload{Embeds: embeds}
		if _, err := e.Sink.EditMessage(ctx, ref.ChannelID, ref.MessageID, payload); err != nil {
			if errors.Is(err, discordapi.ErrNotFound) {
				continue
			}
			if telemetry.ArchiveEditFailures != nil {
				telemetry.ArchiveEditFailures.Inc()
			}
			log.Warn("failed to archive notification message",
				slog.String("message_id", ref.MessageID), slog.Any("err", err))
		}
	}

	if err := e.Store.DeleteStreamRecord(ctx, rec.StreamID); err != nil {
		log.Error("failed to delete stream record", slog.String("stream_id", rec.StreamID), slog.Any("err", err))
		return
	}
	g.LiveNotified.Remove(rec.StreamID)
	if telemetry.NotificationsArchived != nil {
		telemetry.NotificationsArchived.Inc()
	}
	log.Info("archived stream notifications",
		slog.String("stream_id", rec.StreamID), slog.String("account_id", rec.AccountID),
		slog.Int("messages", len(rec.PostedMessages)))
}
