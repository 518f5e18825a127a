package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DoRequest sends a POST request with a JSON payload and returns the response
// body bytes. It starts an OTel client span, injects the W3C trace context
// into the outbound request, forwards a correlation ID if one is present on
// ctx, and turns non-2xx responses into a *StatusError with any Retry-After
// header parsed.
func DoRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	ctx, span := otel.Tracer("mlcore.providers").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if corr := CorrelationID(ctx); corr != "" {
		req.Header.Set("X-Correlation-ID", corr)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}

// DoMultipartRequest sends a POST with a multipart form body (used for
// audio uploads to the transcription endpoint). fields are plain form
// values; fileField/filename/file carry the media bytes. Span handling,
// trace propagation, and error shaping match DoRequest.
func DoMultipartRequest(ctx context.Context, client *http.Client, url string, fields map[string]string, fileField, filename string, file []byte, headers map[string]string) ([]byte, error) {
	ctx, span := otel.Tracer("mlcore.providers").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write form field: %w", err)
		}
	}
	fw, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(file); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if corr := CorrelationID(ctx); corr != "" {
		req.Header.Set("X-Correlation-ID", corr)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}

type correlationIDKey struct{}

// WithCorrelationID attaches a correlation ID (from the job envelope's
// metadata) to ctx so outbound provider calls can forward it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID extracts the correlation ID previously attached with
// WithCorrelationID, returning "" if none was set.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}
