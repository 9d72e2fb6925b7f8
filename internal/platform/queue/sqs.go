package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQS is the production Queue backed by Amazon SQS (standard queue,
// at-least-once delivery).
type SQS struct {
	client   *sqs.Client
	queueURL string
	// VisibilityTimeout applies per receive; a handler must finish within it
	// or the message is redelivered to another worker.
	VisibilityTimeout time.Duration
}

func NewSQS(ctx context.Context, region, queueURL string) (*SQS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQS{
		client:            sqs.NewFromConfig(cfg),
		queueURL:          queueURL,
		VisibilityTimeout: 60 * time.Second,
	}, nil
}

func NewSQSWithClient(client *sqs.Client, queueURL string) *SQS {
	return &SQS{client: client, queueURL: queueURL, VisibilityTimeout: 60 * time.Second}
}

func (q *SQS) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

func (q *SQS) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > 10 {
		max = 10 // SQS hard limit per receive
	}
	waitSec := int32(wait / time.Second)
	if waitSec > 20 {
		waitSec = 20
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     waitSec,
		VisibilityTimeout:   int32(q.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:     aws.ToString(m.MessageId),
			Handle: aws.ToString(m.ReceiptHandle),
			Body:   []byte(aws.ToString(m.Body)),
		})
	}
	return msgs, nil
}

func (q *SQS) Delete(ctx context.Context, handle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}
