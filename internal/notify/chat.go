package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackClient is the part of the slack-go client used here.
type SlackClient interface {
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
}

// ChatConfig holds Slack settings.
type ChatConfig struct {
	Token   string
	Channel string
}

// ChatChannel posts the failure trace as a text file to a Slack channel.
type ChatChannel struct {
	cfg    ChatConfig
	client SlackClient
}

// NewChatChannel creates a Slack channel. A nil client is built from the
// configured token.
func NewChatChannel(cfg ChatConfig, client SlackClient) *ChatChannel {
	if client == nil && cfg.Token != "" {
		client = slack.New(cfg.Token)
	}
	return &ChatChannel{cfg: cfg, client: client}
}

// Name returns "chat".
func (c *ChatChannel) Name() string { return "chat" }

// Enabled requires a token and a channel.
func (c *ChatChannel) Enabled() bool {
	return c.cfg.Token != "" && c.cfg.Channel != "" && c.client != nil
}

// ChatLeadLine is the comment posted above the attached trace.
func ChatLeadLine(f Failure) string {
	return fmt.Sprintf("<!channel> :rotating_light: Backup failed for %s", f.Target)
}

// Send uploads the trace under the attention lead line. slack-go turns a
// response with ok=false into an error.
func (c *ChatChannel) Send(ctx context.Context, f Failure) error {
	if !c.Enabled() {
		return fmt.Errorf("chat channel is not configured")
	}

	trace := f.Trace()
	filename := "backup-error.txt"
	if f.AttemptID != "" {
		filename = fmt.Sprintf("backup-error-%s.txt", f.AttemptID)
	}

	_, err := c.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:        c.cfg.Channel,
		Content:        trace,
		FileSize:       len(trace),
		Filename:       filename,
		Title:          "Backup error",
		InitialComment: ChatLeadLine(f),
	})
	if err != nil {
		return fmt.Errorf("slack upload: %w", err)
	}
	return nil
}
