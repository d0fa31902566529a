package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCMetrics holds the instruments recorded around every gRPC call served by
// a gojowal node.
type RPCMetrics struct {
	tracer  trace.Tracer
	service string

	StartedCounter  metric.Int64Counter
	HandledCounter  metric.Int64Counter
	LatencyHist     metric.Int64Histogram
	ActiveUpDownCtr metric.Int64UpDownCounter
}

// NewRPCMetrics registers the RPC instruments on meter.
func NewRPCMetrics(service string, meter metric.Meter, tracer trace.Tracer) (*RPCMetrics, error) {
	started, err := meter.Int64Counter("gojowal.rpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	handled, err := meter.Int64Counter("gojowal.rpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed, by status code."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Int64Histogram("gojowal.rpc.server.duration",
		metric.WithDescription("The latency of RPCs."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("gojowal.rpc.server.active",
		metric.WithDescription("Number of RPCs in progress."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	return &RPCMetrics{
		tracer:          tracer,
		service:         service,
		StartedCounter:  started,
		HandledCounter:  handled,
		LatencyHist:     latency,
		ActiveUpDownCtr: active,
	}, nil
}

func (m *RPCMetrics) start(ctx context.Context, method string) (context.Context, trace.Span, time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("rpc.service", m.service),
		attribute.String("rpc.method", method),
	)
	m.ActiveUpDownCtr.Add(ctx, 1, attrs)
	m.StartedCounter.Add(ctx, 1, attrs)

	ctx, span := m.tracer.Start(ctx, method, trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.service", m.service)))
	return ctx, span, time.Now()
}

func (m *RPCMetrics) end(ctx context.Context, span trace.Span, startTime time.Time, method string, err error) {
	code := status.Code(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, code.String())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()

	base := []attribute.KeyValue{
		attribute.String("rpc.service", m.service),
		attribute.String("rpc.method", method),
	}
	m.ActiveUpDownCtr.Add(ctx, -1, metric.WithAttributes(base...))

	withCode := metric.WithAttributes(append(base, attribute.String("rpc.code", code.String()))...)
	m.HandledCounter.Add(ctx, 1, withCode)
	m.LatencyHist.Record(ctx, time.Since(startTime).Milliseconds(), withCode)
}

// UnaryServerInterceptor records metrics and a span for each unary call.
func (m *RPCMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span, startTime := m.start(ctx, info.FullMethod)
		resp, err := handler(ctx, req)
		m.end(ctx, span, startTime, info.FullMethod, err)
		return resp, err
	}
}

// StreamServerInterceptor does the same for streaming calls.
func (m *RPCMetrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span, startTime := m.start(ss.Context(), info.FullMethod)
		err := handler(srv, ss)
		m.end(ctx, span, startTime, info.FullMethod, err)
		return err
	}
}
