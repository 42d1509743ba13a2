package aws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestPublishJSON_SendsBodyAndAttributes(t *testing.T) {
	q := &fakeSQS{}
	p := NewPublisher(q, "https://sqs.local/queue")

	err := p.PublishJSON(context.Background(), map[string]string{"order_id": "o1"}, map[string]string{
		"event_type": "payment_confirmed",
		"user_id":    "",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.inputs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(q.inputs))
	}
	in := q.inputs[0]
	if *in.QueueUrl != "https://sqs.local/queue" {
		t.Fatalf("queue url mismatch: %s", *in.QueueUrl)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(*in.MessageBody), &body); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if body["order_id"] != "o1" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := in.MessageAttributes["user_id"]; ok {
		t.Fatalf("empty attribute must be skipped")
	}
	if v := in.MessageAttributes["event_type"].StringValue; v == nil || *v != "payment_confirmed" {
		t.Fatalf("event_type attribute missing")
	}
}

func TestPublishJSON_WrapsSendError(t *testing.T) {
	sendErr := errors.New("boom")
	p := NewPublisher(&fakeSQS{err: sendErr}, "q")
	if err := p.PublishJSON(context.Background(), struct{}{}, nil); !errors.Is(err, sendErr) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}

func TestMetricsClient_DisabledIsNoop(t *testing.T) {
	cw := &fakeCloudWatch{}
	m := NewMetricsClient(cw, "", false)
	if err := m.RecordCount(context.Background(), MetricOrdersCreated, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cw.inputs) != 0 {
		t.Fatalf("disabled client must not call CloudWatch")
	}

	var nilClient *MetricsClient
	if err := nilClient.RecordCount(context.Background(), MetricOrdersCreated, nil); err != nil {
		t.Fatalf("nil client must be a no-op, got %v", err)
	}
}

func TestMetricsClient_RecordCount(t *testing.T) {
	cw := &fakeCloudWatch{}
	m := NewMetricsClient(cw, "Payflow", true)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	m.nowFunc = func() time.Time { return fixed }

	err := m.RecordCount(context.Background(), MetricPaymentSucceeded, map[string]string{
		"service_type": "chatgpt-plus",
		"gateway":      "xunhupay",
		"empty":        "",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cw.inputs) != 1 {
		t.Fatalf("expected one PutMetricData call")
	}
	datum := cw.inputs[0].MetricData[0]
	if *datum.MetricName != MetricPaymentSucceeded || *datum.Value != 1 {
		t.Fatalf("unexpected datum %+v", datum)
	}
	if len(datum.Dimensions) != 2 || *datum.Dimensions[0].Name != "gateway" {
		t.Fatalf("dimensions should be sorted and skip empty values: %+v", datum.Dimensions)
	}
	if !datum.Timestamp.Equal(fixed) {
		t.Fatalf("timestamp mismatch")
	}
}
