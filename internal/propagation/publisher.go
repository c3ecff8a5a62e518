package propagation

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
)

// SNSAPI は SNSPublisher が使うSNSクライアントのメソッドです
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher はAmazon SNSのトピックにメッセージを送信します
// 論理トピック名はメッセージ属性 "topic" として付与します
type SNSPublisher struct {
	client   SNSAPI
	topicARN string
	fifo     bool
}

// NewSNSPublisher は新しいSNSPublisherを作成します
func NewSNSPublisher(client SNSAPI, topicARN string) *SNSPublisher {
	return &SNSPublisher{
		client:   client,
		topicARN: topicARN,
		fifo:     strings.HasSuffix(topicARN, ".fifo"),
	}
}

func (p *SNSPublisher) Publish(ctx context.Context, msg Message) error {
	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(msg.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"topic": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Topic),
			},
		},
	}

	// FIFOトピックは重複排除IDとグループIDが必須
	if p.fifo {
		dedupKey := msg.DedupKey
		if dedupKey == "" {
			dedupKey = uuid.NewString()
		}
		groupKey := msg.GroupKey
		if groupKey == "" {
			groupKey = msg.Topic
		}
		input.MessageDeduplicationId = aws.String(dedupKey)
		input.MessageGroupId = aws.String(groupKey)
	}

	out, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topicARN, err)
	}
	log.Printf("Published message %s to %s", aws.ToString(out.MessageId), msg.Topic)
	return nil
}

// LogPublisher はメッセージをログに出力するだけのPublisherです
// ENV=LOCAL で使います
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, msg Message) error {
	log.Printf("Broadcast [%s] %s", msg.Topic, msg.Payload)
	return nil
}
