// Package lambdaproxy serves AWS Lambda function-URL invocations through the
// chi router. Function URLs deliver the API Gateway v2 payload, which
// aws-lambda-go-api-proxy converts to an *http.Request, base64-decoding the
// body when flagged so signature checks see the transmitted bytes.
package lambdaproxy

import (
	"context"
	"log/slog"
	"net/textproto"

	"github.com/aws/aws-lambda-go/events"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
)

// RequestIDHeader is filled from the Lambda request id when the caller sent
// none, so relay logs correlate with the invocation.
const RequestIDHeader = "X-Request-Id"

// Adapter dispatches function-URL events to a chi router.
type Adapter struct {
	proxy  *chiadapter.ChiLambdaV2
	logger *slog.Logger
}

// New creates an Adapter for router.
func New(router *chi.Mux, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{proxy: chiadapter.NewV2(router), logger: logger}
}

// Handle is the Lambda entry point. Only an event that cannot be converted to
// a request is returned as an error; handler failures are ordinary responses.
func (a *Adapter) Handle(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	ev.Headers = withRequestID(ev.Headers, ev.RequestContext.RequestID)

	resp, err := a.proxy.ProxyWithContextV2(ctx, ev)
	if err != nil {
		a.logger.ErrorContext(ctx, "function URL event could not be served",
			"aws_request_id", ev.RequestContext.RequestID,
			"path", ev.RawPath,
			"error", err.Error(),
		)
		return resp, err
	}
	return resp, nil
}

func withRequestID(headers map[string]string, awsRequestID string) map[string]string {
	if awsRequestID == "" {
		return headers
	}
	for k, v := range headers {
		if textproto.CanonicalMIMEHeaderKey(k) == RequestIDHeader && v != "" {
			return headers
		}
	}
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[RequestIDHeader] = awsRequestID
	return out
}
