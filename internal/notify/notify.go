// Package notify posts run completion summaries to a Discord webhook.
//
// Notifications are strictly best-effort: the app logs a warning when Post
// fails and the run result is unaffected. The webhook URL is the plain
// https://discord.com/api/webhooks/{id}/{token} form Discord hands out in
// channel settings; no bot account is needed.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// embedColorClean is the embed sidebar color when nothing needs review.
const embedColorClean = 0x2ECC71

// embedColorReview is the embed sidebar color when segments await review.
const embedColorReview = 0xE67E22

// maxListedSpeakers caps the speaker field; larger rosters are elided.
const maxListedSpeakers = 8

// RunSummary is the per-meeting result a notification reports. The app fills
// it from the aligned transcript's stats and the review outcome.
type RunSummary struct {
	// Meeting is the human meeting name, usually the input folder name.
	Meeting string
	// Held is the meeting date when known; zero hides the field.
	Held time.Time
	// SpanSeconds is the time covered by the aligned transcript.
	SpanSeconds float64
	// Speakers are the attributed speaker names in speaking-time order.
	Speakers []string
	// Segments is the number of attributed segments.
	Segments int
	// MeanConfidence is the average attribution confidence across segments.
	MeanConfidence float64
	// NeedsReview counts segments still flagged for human review.
	NeedsReview int
	// ReviewChanged counts segments the LLM reviewer reassigned.
	ReviewChanged int
	// Elapsed is the wall-clock duration of the whole run.
	Elapsed time.Duration
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithUsername overrides the webhook's display name.
func WithUsername(name string) Option {
	return func(n *Notifier) { n.username = name }
}

// WithHTTPClient replaces the HTTP client used for webhook calls.
// Tests use it to script Discord's responses.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.session.Client = c }
}

// Notifier posts run summaries to a single Discord webhook.
// Safe for concurrent use.
type Notifier struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
}

// New builds a Notifier from a webhook ID and token, the form the config
// file carries them in.
func New(id, token string, opts ...Option) (*Notifier, error) {
	if id == "" || token == "" {
		return nil, fmt.Errorf("notify: webhook id and token are both required")
	}
	// Webhook execution authenticates through the token in the URL, so the
	// session carries no bot token.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: create session: %w", err)
	}

	n := &Notifier{
		session:  session,
		id:       id,
		token:    token,
		username: "voxalign",
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// NewWebhook builds a Notifier from a full Discord webhook URL.
func NewWebhook(webhookURL string, opts ...Option) (*Notifier, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	return New(id, token, opts...)
}

// Post sends one run summary embed through the webhook.
func (n *Notifier) Post(ctx context.Context, s RunSummary) error {
	params := &discordgo.WebhookParams{
		Username: n.username,
		Embeds:   []*discordgo.MessageEmbed{buildEmbed(s)},
	}
	_, err := n.session.WebhookExecute(n.id, n.token, false, params, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: execute webhook: %w", err)
	}
	return nil
}

// buildEmbed renders a RunSummary as a Discord embed.
func buildEmbed(s RunSummary) *discordgo.MessageEmbed {
	color := embedColorClean
	if s.NeedsReview > 0 {
		color = embedColorReview
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Duration", Value: formatSpan(s.SpanSeconds), Inline: true},
		{Name: "Segments", Value: fmt.Sprintf("%d", s.Segments), Inline: true},
		{Name: "Mean confidence", Value: fmt.Sprintf("%.2f", s.MeanConfidence), Inline: true},
		{Name: "Speakers", Value: speakerList(s.Speakers), Inline: false},
	}
	if !s.Held.IsZero() {
		fields = append([]*discordgo.MessageEmbedField{
			{Name: "Held", Value: s.Held.Format("2006-01-02"), Inline: true},
		}, fields...)
	}
	if s.NeedsReview > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Needs review", Value: fmt.Sprintf("%d", s.NeedsReview), Inline: true,
		})
	}
	if s.ReviewChanged > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Reassigned by review", Value: fmt.Sprintf("%d", s.ReviewChanged), Inline: true,
		})
	}

	return &discordgo.MessageEmbed{
		Title:  fmt.Sprintf("Aligned: %s", s.Meeting),
		Color:  color,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("run took %s", s.Elapsed.Truncate(time.Millisecond)),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// speakerList joins speaker names, eliding rosters past maxListedSpeakers.
func speakerList(names []string) string {
	if len(names) == 0 {
		return "none attributed"
	}
	if len(names) <= maxListedSpeakers {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s +%d more",
		strings.Join(names[:maxListedSpeakers], ", "), len(names)-maxListedSpeakers)
}

// formatSpan formats transcript seconds as "Xh Ym Zs".
func formatSpan(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// parseWebhookURL extracts the webhook ID and token from a Discord webhook
// URL of the form https://discord.com/api/webhooks/{id}/{token}.
func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "webhooks" && len(parts)-i == 3 {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("notify: webhook url %q does not end in /webhooks/{id}/{token}", raw)
}
