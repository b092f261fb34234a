package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/twitching/db"
	"github.com/onnwee/twitching/discordapi"
	"github.com/onnwee/twitching/twitchapi"
)

const (
	liveColor    = 0x9146FF // Twitch purple
	archiveColor = 0x546E7A

	liveSuffix    = " is live on Twitch!"
	archiveSuffix = " was live on Twitch."
	liveLink      = "Tune In"
	archiveLink   = "View Channel"
)

// buildLiveEmbed renders the go-live notification for a stream. The thumbnail
// URL carries the stream id as a cache buster so Discord refetches per session.
func buildLiveEmbed(user twitchapi.User, stream *twitchapi.Stream) discordapi.Embed {
	channelURL := "https://twitch.tv/" + user.Login
	thumb := strings.NewReplacer("{width}", "1280", "{height}", "720").Replace(stream.ThumbnailURL)
	if thumb != "" {
		thumb = fmt.Sprintf("%s?b=%s", thumb, stream.ID)
	}
	desc := fmt.Sprintf("%s\n[%s](%s)", stream.Title, liveLink, channelURL)
	return discordapi.Embed{
		Color:       liveColor,
		URL:         channelURL,
		Description: desc,
		Author: &discordapi.EmbedAuthor{
			Name:    user.DisplayName + liveSuffix,
			IconURL: user.ProfileImageURL,
		},
		Image: &discordapi.EmbedImage{URL: thumb},
	}
}

// archiveEmbed rewrites a live embed into its ended form in place: greyed out,
// past tense byline, link label swapped, preview image dropped.
func archiveEmbed(e discordapi.Embed) discordapi.Embed {
	e.Color = archiveColor
	if e.Author != nil {
		author := *e.Author
		author.Name = strings.Replace(author.Name, liveSuffix, archiveSuffix, 1)
		e.Author = &author
	}
	e.Description = strings.Replace(e.Description, "["+liveLink+"]", "["+archiveLink+"]", 1)
	e.Image = nil
	return e
}

// mentionContent resolves the role to ping for an account going live. An exact
// account mapping wins over the "all" fallback. Role ids ping only through
// allowed_mentions, so the role must appear in both content and the allow list.
func mentionContent(g db.Group, accountID string) (string, *discordapi.AllowedMentions) {
	role, ok := g.MentionRoles[accountID]
	if !ok {
		role, ok = g.MentionRoles[db.MentionAll]
	}
	if !ok || role == "" {
		return "", nil
	}
	return fmt.Sprintf("<@&%s>", role), &discordapi.AllowedMentions{Roles: []string{role}}
}

// startedAgo is a small helper for logging how stale a detected stream is.
func startedAgo(s *twitchapi.Stream) time.Duration {
	if s == nil || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt).Truncate(time.Second)
}
