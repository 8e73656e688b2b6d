// Package webhook implements the outbound sinks that the bus router diverts
// messages to instead of broadcasting them on the bus.
package webhook

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// DiscordSink posts diverted content to a single Discord webhook. A zero
// value is not usable; construct one with NewDiscordSink.
type DiscordSink struct {
	session   *discordgo.Session
	webhookID string
	token     string
}

// NewDiscordSink parses webhookURL (the URL Discord gives you when creating
// a channel webhook, of the form
// https://discord.com/api/webhooks/<id>/<token>) and returns a Sink that
// posts to it.
func NewDiscordSink(webhookURL string) (*DiscordSink, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("webhook: create session: %w", err)
	}
	return &DiscordSink{session: s, webhookID: id, token: token}, nil
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	i := len(parts) - 3
	if i < 0 || parts[i] != "webhooks" {
		return "", "", fmt.Errorf("webhook url missing id/token: %q", raw)
	}
	id, token = parts[i+1], parts[i+2]
	if id == "" || token == "" {
		return "", "", fmt.Errorf("webhook url missing id/token: %q", raw)
	}
	return id, token, nil
}

// Send posts content to the configured webhook. It never waits for Discord
// to confirm message creation (wait=false), matching the fire-and-forget
// semantics of the divert: the bus has nowhere to report delivery failure
// back to. ctx is not honored by discordgo's webhook call directly, but is
// accepted so Sink implementations can share a single interface.
func (d *DiscordSink) Send(ctx context.Context, content string) error {
	if d == nil {
		return fmt.Errorf("webhook: sink not configured")
	}
	_, err := d.session.WebhookExecute(d.webhookID, d.token, false, &discordgo.WebhookParams{
		Content: content,
	})
	if err != nil {
		return fmt.Errorf("webhook: execute: %w", err)
	}
	return nil
}
