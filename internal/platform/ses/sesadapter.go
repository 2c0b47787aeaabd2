// Package ses delivers email through AWS SES using the SDK v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// SESClient is the subset of *sesv2.Client we use.
type SESClient interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type ClientFunc func(ctx context.Context) (SESClient, error)

type Adapter struct {
	from             string
	configurationSet string
	newClient        ClientFunc
	logger           *slog.Logger
}

// NewAdapter reads region, from and optional access_key/secret_key. Without static keys the
// default AWS credential chain is used.
func NewAdapter(settings dispatch.SettingsMap, logger *slog.Logger) (*Adapter, error) {
	from, err := settings.Require("from")
	if err != nil {
		return nil, err
	}
	region := settings.Get("region", "us-east-1")
	accessKey := settings.Get("access_key", "")
	secretKey := settings.Get("secret_key", "")
	if (accessKey == "") != (secretKey == "") {
		return nil, fmt.Errorf("%w: access_key and secret_key must be set together", dispatch.ErrMissingSetting)
	}

	newClient := func(ctx context.Context) (SESClient, error) {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
		if accessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize AWS config: %w", err)
		}
		return sesv2.NewFromConfig(cfg), nil
	}

	a := NewAdapterWithClientFunc(from, newClient, logger)
	a.configurationSet = settings.Get("configuration_set", "")
	return a, nil
}

func NewAdapterWithClientFunc(from string, newClient ClientFunc, logger *slog.Logger) *Adapter {
	return &Adapter{
		from:      from,
		newClient: newClient,
		logger:    logger.With("component", "SESAdapter"),
	}
}

func (a *Adapter) Open(ctx context.Context) (dispatch.Conn, error) {
	client, err := a.newClient(ctx)
	if err != nil {
		return nil, &dispatch.ConnectError{Channel: "ses", Err: err}
	}
	return &conn{adapter: a, client: client}, nil
}

type conn struct {
	adapter *Adapter
	client  SESClient
}

func (c *conn) Send(ctx context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.adapter.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.Recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	for k, v := range msg.CorrelationIDs {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}
	if c.adapter.configurationSet != "" {
		input.ConfigurationSetName = aws.String(c.adapter.configurationSet)
	}

	out, err := c.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		return dispatch.SendAck{}, &dispatch.SendError{
			Recipient: msg.Recipient,
			Permanent: errors.As(err, &rejected),
			Err:       err,
		}
	}
	return dispatch.SendAck{ProviderID: aws.ToString(out.MessageId)}, nil
}

// Close is a no-op; the SDK client pools its own connections.
func (c *conn) Close() error { return nil }
