package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// EmailSubject is the subject of every failure email.
const EmailSubject = "Error: Backup Failed"

// SESClient abstracts the SES client for testing.
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailConfig holds SES settings.
type EmailConfig struct {
	From   string
	To     []string
	Region string
}

// EmailChannel sends failure reports through Amazon SES.
type EmailChannel struct {
	cfg    EmailConfig
	client SESClient
}

// NewEmailChannel creates an email channel. The SES client is built lazily
// from the default AWS config unless client is non-nil.
func NewEmailChannel(cfg EmailConfig, client SESClient) *EmailChannel {
	return &EmailChannel{cfg: cfg, client: client}
}

// Name returns "email".
func (c *EmailChannel) Name() string { return "email" }

// Enabled requires a sender and at least one recipient.
func (c *EmailChannel) Enabled() bool {
	return strings.TrimSpace(c.cfg.From) != "" && len(c.recipients()) > 0
}

func (c *EmailChannel) recipients() []string {
	var to []string
	for _, addr := range c.cfg.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	return to
}

func (c *EmailChannel) ensureClient(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	var loadOpts []func(*config.LoadOptions) error
	if c.cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(c.cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	c.client = ses.NewFromConfig(awsCfg)
	return nil
}

// EmailBody renders the plain-text body for f.
func EmailBody(f Failure) string {
	return fmt.Sprintf("The database backup for %s failed:\n%s", f.Target, f.Trace())
}

// Send delivers one email addressed to every recipient.
func (c *EmailChannel) Send(ctx context.Context, f Failure) error {
	if !c.Enabled() {
		return fmt.Errorf("email channel is not configured")
	}
	if err := c.ensureClient(ctx); err != nil {
		return err
	}

	input := &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: c.recipients()},
		Source:      aws.String(c.cfg.From),
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(EmailSubject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(EmailBody(f))},
			},
		},
	}

	if _, err := c.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send email: %w", err)
	}
	return nil
}
