// Package notify delivers scaling outcomes out of the decision loop:
// fire-and-forget operator notifications over SNS, and a durable report
// feed over NATS JetStream for anything downstream that wants to
// consume every ScalingReport as it lands.
package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSClient is the subset of sns.Client the notifier drives, so tests can
// stub it without a live AWS endpoint.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier implements control.Notifier over SNS Publish. Target is
// interpreted as a topic ARN.
type SNSNotifier struct {
	client SNSClient
	logger *zap.Logger
}

// NewSNSNotifier builds a Notifier backed by client.
func NewSNSNotifier(client SNSClient, logger *zap.Logger) *SNSNotifier {
	return &SNSNotifier{client: client, logger: logger}
}

// Notify publishes body to the topic ARN named by target. It never blocks
// the caller on network latency: the publish runs in its own goroutine and
// any failure is only logged, per spec.md 4.L's fire-and-forget contract.
func (n *SNSNotifier) Notify(ctx context.Context, target, subject, body string) error {
	if target == "" {
		return fmt.Errorf("notify: empty notification target")
	}

	go func() {
		publishCtx := context.WithoutCancel(ctx)
		_, err := n.client.Publish(publishCtx, &sns.PublishInput{
			TopicArn: aws.String(target),
			Subject:  aws.String(subject),
			Message:  aws.String(body),
		})
		if err != nil {
			n.logger.Error("notify: sns publish failed",
				zap.String("target", target),
				zap.String("subject", subject),
				zap.Error(err))
		}
	}()

	return nil
}
