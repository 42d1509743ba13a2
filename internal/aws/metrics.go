package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names emitted by the payment flow.
const (
	MetricOrdersCreated       = "OrdersCreated"
	MetricPaymentSucceeded    = "PaymentSucceeded"
	MetricCallbackRejected    = "CallbackRejected"
	MetricClaimTokensIssued   = "ClaimTokensIssued"
	MetricClaimTokensConsumed = "ClaimTokensConsumed"
)

// MetricsClient wraps CloudWatch PutMetricData. A disabled client is a no-op.
type MetricsClient struct {
	client    CloudWatchAPI
	namespace string
	enabled   bool
	nowFunc   func() time.Time
}

// NewMetricsClient creates a metrics client for the given namespace.
func NewMetricsClient(client CloudWatchAPI, namespace string, enabled bool) *MetricsClient {
	if namespace == "" {
		namespace = "Payflow"
	}
	return &MetricsClient{
		client:    client,
		namespace: namespace,
		enabled:   enabled && client != nil,
		nowFunc:   time.Now,
	}
}

// RecordCount sends a single Count datapoint of 1.
func (m *MetricsClient) RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error {
	if m == nil || !m.enabled {
		return nil
	}

	// sorted so identical dimension sets produce identical requests
	names := make([]string, 0, len(dimensions))
	for k := range dimensions {
		names = append(names, k)
	}
	sort.Strings(names)
	dims := make([]cwtypes.Dimension, 0, len(names))
	for _, k := range names {
		if dimensions[k] == "" {
			continue
		}
		dims = append(dims, cwtypes.Dimension{
			Name:  sdkaws.String(k),
			Value: sdkaws.String(dimensions[k]),
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: sdkaws.String(metricName),
				Value:      sdkaws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  sdkaws.Time(m.nowFunc()),
				Dimensions: dims,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric %s: %w", metricName, err)
	}
	return nil
}

// IsEnabled reports whether datapoints are actually sent.
func (m *MetricsClient) IsEnabled() bool {
	return m != nil && m.enabled
}
