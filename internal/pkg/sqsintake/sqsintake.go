// Package sqsintake 从 SQS 队列接收抓取端提交的房源。
package sqsintake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"sipi/internal/model"
	"sipi/internal/pkg/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// API 是 Receiver 依赖的 SQS 客户端子集。
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message 一条已解析的 SQS 消息。
type Message struct {
	Handle       string
	ReceiveCount int
	Submission   model.Submission
}

// Receiver 长轮询 SQS 队列。
type Receiver struct {
	client   API
	queueURL string
	waitSec  int32
	batch    int32
	logger   *slog.Logger
}

// NewReceiver 创建接收器；waitSec 为 0 时使用 20 秒长轮询。
func NewReceiver(client API, queueURL string, waitSec int32, logger *slog.Logger) *Receiver {
	if waitSec <= 0 {
		waitSec = 20
	}
	return &Receiver{
		client:   client,
		queueURL: queueURL,
		waitSec:  waitSec,
		batch:    10,
		logger:   logger,
	}
}

// Receive 拉取一批消息。无法解析的消息直接删除并计数。
func (r *Receiver) Receive(ctx context.Context) ([]Message, error) {
	output, err := r.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(r.queueURL),
		MaxNumberOfMessages: r.batch,
		WaitTimeSeconds:     r.waitSec,
		AttributeNames:      []types.QueueAttributeName{"ApproximateReceiveCount"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	messages := make([]Message, 0, len(output.Messages))
	for _, msg := range output.Messages {
		handle := aws.ToString(msg.ReceiptHandle)
		var sub model.Submission
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &sub); err != nil {
			r.logger.Warn("invalid sqs message, deleting",
				slog.String("message_id", aws.ToString(msg.MessageId)),
				slog.String("error", err.Error()))
			metrics.IntakeMessagesTotal.WithLabelValues("sqs", "poison").Inc()
			if derr := r.Delete(ctx, handle); derr != nil {
				r.logger.Error("delete poison message failed", slog.String("error", derr.Error()))
			}
			continue
		}
		count, _ := strconv.Atoi(msg.Attributes["ApproximateReceiveCount"])
		messages = append(messages, Message{Handle: handle, ReceiveCount: count, Submission: sub})
	}
	return messages, nil
}

// Delete 确认消息已处理。
func (r *Receiver) Delete(ctx context.Context, handle string) error {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Release 让消息立即重新可见，以便重试。超过队列 redrive 次数后由 SQS 转入死信队列。
func (r *Receiver) Release(ctx context.Context, handle string) error {
	_, err := r.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(r.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	return nil
}
