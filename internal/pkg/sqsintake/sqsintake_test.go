package sqsintake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockSQSMiddleware(output interface{}, err error) func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		return stack.Finalize.Add(
			middleware.FinalizeMiddlewareFunc("MockMiddleware", func(context.Context, middleware.FinalizeInput, middleware.FinalizeHandler) (middleware.FinalizeOutput, middleware.Metadata, error) {
				return middleware.FinalizeOutput{
					Result: output,
				}, middleware.Metadata{}, err
			}),
			middleware.Before,
		)
	}
}

func newClient(output interface{}, err error) *sqs.Client {
	return sqs.NewFromConfig(aws.Config{Region: "eu-west-1"}, func(o *sqs.Options) {
		o.APIOptions = append(o.APIOptions, mockSQSMiddleware(output, err))
	})
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReceiver_Receive(t *testing.T) {
	output := &sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			{
				Body:          aws.String(`{"portal":"fotocasa","native_id":"F1","title":"Molino","geo":{"kind":"precise","lat":40.1,"lon":-3.2}}`),
				ReceiptHandle: aws.String("h1"),
				Attributes:    map[string]string{"ApproximateReceiveCount": "2"},
			},
		},
	}
	r := NewReceiver(newClient(output, nil), "test-url", 0, discard())

	msgs, err := r.Receive(context.TODO())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "h1", msgs[0].Handle)
	assert.Equal(t, 2, msgs[0].ReceiveCount)
	assert.Equal(t, "F1", msgs[0].Submission.NativeID)
	assert.Equal(t, 40.1, *msgs[0].Submission.Geo.Lat)
}

func TestReceiver_Receive_Error(t *testing.T) {
	r := NewReceiver(newClient(nil, errors.New("sqs error")), "test-url", 5, discard())
	_, err := r.Receive(context.TODO())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to receive messages")
}

type fakeAPI struct {
	out     *sqs.ReceiveMessageOutput
	deleted []string
	release []string
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return f.out, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.release = append(f.release, aws.ToString(in.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestReceiver_PoisonMessageIsDeleted(t *testing.T) {
	api := &fakeAPI{out: &sqs.ReceiveMessageOutput{Messages: []types.Message{
		{Body: aws.String("not json"), ReceiptHandle: aws.String("bad")},
		{Body: aws.String(`{"portal":"idealista","native_id":"I1","title":"Ermita"}`), ReceiptHandle: aws.String("good")},
	}}}
	r := NewReceiver(api, "q", 1, discard())

	msgs, err := r.Receive(context.TODO())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "good", msgs[0].Handle)
	assert.Equal(t, []string{"bad"}, api.deleted)

	require.NoError(t, r.Release(context.TODO(), "good"))
	assert.Equal(t, []string{"good"}, api.release)
}

func TestReceiver_Delete(t *testing.T) {
	r := NewReceiver(newClient(&sqs.DeleteMessageOutput{}, nil), "test-url", 0, discard())
	assert.NoError(t, r.Delete(context.TODO(), "h1"))
}
