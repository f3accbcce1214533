// Package sns provides an AWS SNS publisher the outbox relay can forward
// events to.
package sns

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
)

var _ adapters.Publisher = (*Publisher)(nil)

// SNSClient defines the subset of the SNS API used by the publisher.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes event messages to AWS SNS topics.
//
// A stream maps to the topic ARN registered with WithTopic, or else to the
// topic prefix followed by the stream name.
type Publisher struct {
	client      SNSClient
	topicPrefix string
	topics      map[string]string
	fifo        bool
}

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithSNSClient sets a custom SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTopic routes a stream to a topic ARN.
func WithTopic(stream, topicARN string) Option {
	return func(p *Publisher) {
		p.topics[stream] = topicARN
	}
}

// WithTopicPrefix routes every other stream to prefix+stream, for example
// "arn:aws:sns:eu-west-1:123456789012:".
func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.topicPrefix = prefix
	}
}

// WithFIFO sets the message group to the entity stream and the deduplication
// ID to the event ID, which FIFO topics require.
func WithFIFO() Option {
	return func(p *Publisher) {
		p.fifo = true
	}
}

// New creates a new SNS Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{topics: make(map[string]string)}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// TopicARN returns the topic a stream is published to, or "" if none.
func (p *Publisher) TopicARN(stream string) string {
	if arn, ok := p.topics[stream]; ok {
		return arn
	}
	if p.topicPrefix == "" || stream == "" {
		return ""
	}
	return p.topicPrefix + stream
}

// Publish sends the message to the stream's topic and returns the SNS message ID.
func (p *Publisher) Publish(ctx context.Context, stream string, msg adapters.Message) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("sns: client not configured")
	}

	topicARN := p.TopicARN(stream)
	if topicARN == "" {
		return "", fmt.Errorf("sns: no topic for stream %q: %w", stream, adapters.ErrPublishRejected)
	}

	input := &sns.PublishInput{
		TopicArn: &topicARN,
		Message:  stringPtr(string(msg.Payload)),
	}

	if len(msg.Headers) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue)
		for k, v := range msg.Headers {
			if v == "" {
				continue
			}
			input.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    stringPtr("String"),
				StringValue: stringPtr(v),
			}
		}
	}

	if p.fifo {
		group := msg.Key
		if group == "" {
			group = stream
		}
		input.MessageGroupId = stringPtr(group)
		if id := msg.Headers[keel.HeaderEventID]; id != "" {
			input.MessageDeduplicationId = stringPtr(id)
		}
	}

	out, err := p.client.Publish(ctx, input)
	if err != nil {
		if rejected(err) {
			return "", fmt.Errorf("sns: failed to publish to %s: %w: %w", topicARN, adapters.ErrPublishRejected, err)
		}
		return "", fmt.Errorf("sns: failed to publish to %s: %w", topicARN, err)
	}
	if out != nil && out.MessageId != nil {
		return *out.MessageId, nil
	}
	return "", nil
}

// rejected reports whether SNS refused the request itself, as opposed to
// failing to process it.
func rejected(err error) bool {
	var notFound *types.NotFoundException
	var invalid *types.InvalidParameterException
	var authz *types.AuthorizationErrorException
	return errors.As(err, &notFound) || errors.As(err, &invalid) || errors.As(err, &authz)
}

func stringPtr(s string) *string {
	return &s
}
