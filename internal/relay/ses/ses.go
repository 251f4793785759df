// Package ses implements a relay Provider that forwards emails via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/hmontel/mailhub-lite/internal/mail"
)

const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
)

// Config holds the credentials and sender identity for the SES relay.
// When the static credential pair is empty the default AWS credential
// chain is used instead.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SendEmailAPI is the slice of the SES v2 client the relay needs.
// Tests substitute a mock here.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider forwards accepted emails through the AWS SES v2 API. SES requires
// the from-address to be a verified identity, so the configured sender is
// used on the wire and the original sender is carried in the message body.
type Provider struct {
	sender string
	client SendEmailAPI
}

// New builds a Provider from the given configuration, resolving AWS
// credentials eagerly so misconfiguration fails at startup.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{sender: cfg.Sender, client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewWithClient builds a Provider around an existing client, used in tests.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{sender: sender, client: client}
}

// Send forwards one email, retrying transient API failures with exponential
// backoff. The retry wait respects context cancellation.
func (p *Provider) Send(ctx context.Context, e *mail.Email) error {
	input := buildInput(p.sender, e)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES send", "attempt", attempt, "id", e.ID)
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry wait: %w", ctx.Err())
			case <-time.After(baseRetryDelay << (attempt - 1)):
			}
		}

		if _, err := p.client.SendEmail(ctx, input); err != nil {
			lastErr = err
			slog.Warn("SES send failed", "attempt", attempt, "id", e.ID, "error", err)
			continue
		}
		return nil
	}

	return fmt.Errorf("SES send failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func buildInput(sender string, e *mail.Email) *sesv2.SendEmailInput {
	body := fmt.Sprintf("From %s:\n\n%s", e.Sender, e.Content)

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: e.Receivers},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(e.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}
