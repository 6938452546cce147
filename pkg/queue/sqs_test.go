package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/ragcore/pkg/observability"
)

type fakeSQS struct {
	messages []types.Message
	sent     []string
	deleted  []string
	recvErr  error
	attrErr  error
}

func (f *fakeSQS) SendMessage(_ context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, aws.ToString(input.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String(uuid.NewString())}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, input *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(input.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if f.attrErr != nil {
		return nil, f.attrErr
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func TestSQSBus_PublishReceiveAck(t *testing.T) {
	api := &fakeSQS{}
	bus := NewSQSBusWithAPI(api, "https://sqs.test/queue", observability.NewNoopLogger())
	ctx := context.Background()

	event := NewDocumentUploaded(uuid.New(), uuid.New(), uuid.New(), "s3://docs/a.txt")
	require.NoError(t, bus.Publish(ctx, event))
	require.Len(t, api.sent, 1)

	// Loop the sent body back as a received message
	api.messages = []types.Message{{
		MessageId:     aws.String("m1"),
		Body:          aws.String(api.sent[0]),
		ReceiptHandle: aws.String("r1"),
	}}

	events, receipts, err := bus.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.EventID, events[0].EventID)
	assert.Equal(t, EventDocumentUploaded, events[0].EventType)
	assert.Equal(t, event.TenantID, events[0].TenantID)
	assert.Equal(t, event.StorageRef, events[0].StorageRef)

	require.NoError(t, bus.Ack(ctx, receipts[0]))
	assert.Equal(t, []string{"r1"}, api.deleted)
}

func TestSQSBus_UnparseableMessagesSkipped(t *testing.T) {
	api := &fakeSQS{messages: []types.Message{
		{MessageId: aws.String("bad"), Body: aws.String("not json"), ReceiptHandle: aws.String("r-bad")},
		{MessageId: aws.String("good"), Body: aws.String(`{"event_type":"document-uploaded"}`), ReceiptHandle: aws.String("r-good")},
	}}
	bus := NewSQSBusWithAPI(api, "https://sqs.test/queue", observability.NewNoopLogger())

	events, receipts, err := bus.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"r-good"}, receipts)
}

func TestSQSBus_ReceiveError(t *testing.T) {
	api := &fakeSQS{recvErr: errors.New("throttled")}
	bus := NewSQSBusWithAPI(api, "https://sqs.test/queue", observability.NewNoopLogger())

	_, _, err := bus.Receive(context.Background(), 10, 0)
	assert.Error(t, err)
}

func TestSQSBus_HealthCheck(t *testing.T) {
	api := &fakeSQS{}
	bus := NewSQSBusWithAPI(api, "https://sqs.test/queue", observability.NewNoopLogger())
	assert.NoError(t, bus.HealthCheck(context.Background()))

	api.attrErr = errors.New("access denied")
	assert.Error(t, bus.HealthCheck(context.Background()))
}

func TestMemoryBus_PublishReceiveAck(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	event := NewEmbeddingCompleted(uuid.New(), uuid.New())

	require.NoError(t, bus.Publish(ctx, event))
	events, receipts, err := bus.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.EventID, events[0].EventID)

	require.NoError(t, bus.Ack(ctx, receipts[0]))
	assert.Equal(t, 0, bus.Depth())
}

func TestMemoryBus_UnackedMessageRedelivered(t *testing.T) {
	bus := NewMemoryBus()
	bus.VisibilityTimeout = 0 // immediate redelivery
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, NewDocumentFailed(uuid.New(), uuid.New(), "boom")))
	first, _, err := bus.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Not acked: the next receive sees it again
	second, _, err := bus.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].EventID, second[0].EventID)
}

func TestMemoryBus_ClosedIsUnhealthy(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.HealthCheck(context.Background()))

	bus.Close()
	assert.Error(t, bus.HealthCheck(context.Background()))
	assert.Error(t, bus.Publish(context.Background(), Event{}))
}
