package types

// CloudWatch metric names and dimensions.
const (
	MetricRequestCount      = "RequestCount"
	MetricRequestLatency    = "RequestLatency"
	MetricPropagationResult = "PropagationResult"

	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"
	DimTarget   = "Target"
	DimResult   = "Result"

	DefaultMetricNamespace = "CRMRelay"
)
