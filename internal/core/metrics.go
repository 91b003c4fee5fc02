package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"crmrelay/internal/types"
)

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics emits request and propagation metrics.
//
// Metrics emitted:
//   - RequestCount:      Dims {Method, Endpoint, Status}
//   - RequestLatency:    Dims {Method, Endpoint} in milliseconds
//   - PropagationResult: Dims {Target, Result}
//
// Publishing errors are logged and never surface to the request.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ MetricsCollector = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a collector. An empty namespace selects
// types.DefaultMetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.DefaultMetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordRequest emits RequestCount and RequestLatency in one call.
func (m *CloudWatchMetrics) RecordRequest(ctx context.Context, method, endpoint, status string, duration time.Duration) {
	// The request context may already be done once the handler returns.
	ctx = context.WithoutCancel(ctx)
	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(types.MetricRequestCount),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims(types.DimMethod, method, types.DimEndpoint, endpoint, types.DimStatus, status),
		},
		{
			MetricName: aws.String(types.MetricRequestLatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims(types.DimMethod, method, types.DimEndpoint, endpoint),
		},
	}, "endpoint", endpoint)
}

// RecordPropagation emits one PropagationResult datapoint.
func (m *CloudWatchMetrics) RecordPropagation(ctx context.Context, target, result string) {
	m.put(context.WithoutCancel(ctx), []cwtypes.MetricDatum{
		{
			MetricName: aws.String(types.MetricPropagationResult),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims(types.DimTarget, target, types.DimResult, result),
		},
	}, "target", target)
}

func (m *CloudWatchMetrics) put(ctx context.Context, data []cwtypes.MetricDatum, logKV ...any) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Error("failed to put metric data", append([]any{"error", err.Error()}, logKV...)...)
	}
}

func dims(kv ...string) []cwtypes.Dimension {
	out := make([]cwtypes.Dimension, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, cwtypes.Dimension{Name: aws.String(kv[i]), Value: aws.String(kv[i+1])})
	}
	return out
}
