// Package ses delivers mail through the AWS SES v2 API.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/settings"
)

// SendEmailAPI is the slice of the SES v2 client the transport uses.
// Tests substitute a mock.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport sends messages through one SES account and region.
type Transport struct {
	sender string
	client SendEmailAPI
	log    *slog.Logger
}

// New validates the settings and builds the transport. Static
// credentials from the settings take precedence; without them the
// default AWS credential chain applies.
func New(ctx context.Context, t *settings.Transport, log *slog.Logger) (*Transport, error) {
	if t.SESRegion == "" {
		return nil, errors.New("ses region is not configured")
	}
	if t.SESFrom == "" {
		return nil, errors.New("ses sender address is not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(t.SESRegion)}
	if t.SESAccessKey != "" && t.SESSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(t.SESAccessKey, t.SESSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(t.SESFrom, sesv2.NewFromConfig(awsCfg), log), nil
}

// NewWithClient builds the transport around an existing client.
func NewWithClient(sender string, client SendEmailAPI, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{sender: sender, client: client, log: log}
}

// Name identifies the transport in logs and audit entries.
func (t *Transport) Name() string {
	return "ses"
}

// Send performs a single SendEmail call. Messages with attachments go
// as raw MIME; everything else uses the simple content shape. One
// attempt, no retries.
func (t *Transport) Send(ctx context.Context, msg *email.Email) error {
	input, err := t.buildInput(msg)
	if err != nil {
		return err
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	t.log.Info("email sent via ses", "message_id", aws.ToString(out.MessageId))
	return nil
}

func (t *Transport) buildInput(msg *email.Email) (*sesv2.SendEmailInput, error) {
	from := msg.From
	if from == "" {
		from = t.sender
	}

	// The explicit destination matters for both shapes: raw messages
	// keep Bcc out of their headers, so SES must learn it here.
	dest := &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}

	if len(msg.Attachments) > 0 {
		withFrom := *msg
		withFrom.From = from
		raw, err := email.BuildRaw(&withFrom)
		if err != nil {
			return nil, fmt.Errorf("failed to build raw message: %w", err)
		}
		return &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(from),
			Destination:      dest,
			Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
		}, nil
	}

	body := &types.Body{}
	if msg.HtmlBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HtmlBody), Charset: aws.String("UTF-8")}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      dest,
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	return input, nil
}
