package backend

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/flowtrace/flowtrace-go/internal/id"
)

// OTLPStore exports finished traces to an OpenTelemetry collector over
// gRPC. Post-hoc tag and assessment operations have no OTLP equivalent and
// return ErrUnsupported.
type OTLPStore struct {
	conn   *grpc.ClientConn
	client collectortracepb.TraceServiceClient
	logger *zap.Logger
}

var _ Store = (*OTLPStore)(nil)

// NewOTLPStore connects to an OTLP/gRPC endpoint such as
// "localhost:4317".
func NewOTLPStore(target string, logger *zap.Logger) (*OTLPStore, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP client for %s: %w", target, err)
	}
	return &OTLPStore{
		conn:   conn,
		client: collectortracepb.NewTraceServiceClient(conn),
		logger: logger,
	}, nil
}

// Close tears down the underlying gRPC connection.
func (s *OTLPStore) Close() error {
	return s.conn.Close()
}

// PersistTrace converts the snapshot to OTLP ResourceSpans and exports it.
func (s *OTLPStore) PersistTrace(ctx context.Context, trace *TraceSnapshot) error {
	req := &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{toResourceSpans(trace)},
	}

	if _, err := s.client.Export(ctx, req); err != nil {
		return classifyGRPC("persist trace", err)
	}
	return nil
}

// SetTraceTag is not representable in OTLP.
func (s *OTLPStore) SetTraceTag(ctx context.Context, traceID, key, value string) error {
	return fmt.Errorf("set trace tag over OTLP: %w", ErrUnsupported)
}

// DeleteTraceTag is not representable in OTLP.
func (s *OTLPStore) DeleteTraceTag(ctx context.Context, traceID, key string) error {
	return fmt.Errorf("delete trace tag over OTLP: %w", ErrUnsupported)
}

// CreateAssessment is not representable in OTLP.
func (s *OTLPStore) CreateAssessment(ctx context.Context, assessment *Assessment) error {
	return fmt.Errorf("create assessment over OTLP: %w", ErrUnsupported)
}

// classifyGRPC maps gRPC status codes onto the store error taxonomy.
func classifyGRPC(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return NewTransportError(op, err)
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied, codes.NotFound, codes.Unimplemented:
		return &Error{Op: op, Message: st.Message(), Permanent: true, Err: err}
	default:
		return &Error{Op: op, Message: st.Message(), Permanent: false, Err: err}
	}
}

// toResourceSpans maps one trace snapshot onto OTLP wire types. Trace-level
// tags become resource attributes since OTLP has no trace entity.
func toResourceSpans(t *TraceSnapshot) *tracepb.ResourceSpans {
	resourceAttrs := []*commonpb.KeyValue{
		stringAttr("service.name", "flowtrace"),
	}
	if t.RunID != "" {
		resourceAttrs = append(resourceAttrs, stringAttr("flowtrace.run_id", t.RunID))
	}
	for k, v := range t.Tags {
		resourceAttrs = append(resourceAttrs, stringAttr("flowtrace.tag."+k, v))
	}

	spans := make([]*tracepb.Span, 0, len(t.Spans))
	for i := range t.Spans {
		spans = append(spans, toOTLPSpan(&t.Spans[i]))
	}

	return &tracepb.ResourceSpans{
		Resource: &resourcepb.Resource{Attributes: resourceAttrs},
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: "flowtrace-go"},
			Spans: spans,
		}},
	}
}

func toOTLPSpan(s *SpanSnapshot) *tracepb.Span {
	span := &tracepb.Span{
		TraceId:           traceIDBytes(s.TraceID),
		SpanId:            spanIDBytes(s.SpanID),
		Name:              s.Name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
		Status:            toOTLPStatus(s.Status),
	}
	if s.ParentID != "" {
		span.ParentSpanId = spanIDBytes(s.ParentID)
	}

	for _, attr := range s.Attributes {
		span.Attributes = append(span.Attributes, anyAttr(attr.Key, attr.Value))
	}
	if s.Inputs != nil {
		if encoded, err := sonic.MarshalString(s.Inputs); err == nil {
			span.Attributes = append(span.Attributes, stringAttr("flowtrace.inputs", encoded))
		}
	}
	if s.Outputs != nil {
		if encoded, err := sonic.MarshalString(s.Outputs); err == nil {
			span.Attributes = append(span.Attributes, stringAttr("flowtrace.outputs", encoded))
		}
	}
	return span
}

func toOTLPStatus(s string) *tracepb.Status {
	switch s {
	case StatusOK:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
	case StatusError:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR}
	default:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET}
	}
}

// traceIDBytes extracts the 16 ULID bytes behind a trace ID, hashing the
// raw string when the ID is foreign.
func traceIDBytes(traceID string) []byte {
	if b, err := id.Bytes(traceID); err == nil {
		return b
	}
	h := fnv.New128a()
	h.Write([]byte(traceID))
	return h.Sum(nil)
}

// spanIDBytes derives the 8-byte OTLP span ID from the entropy half of the
// span ULID.
func spanIDBytes(spanID string) []byte {
	if b, err := id.Bytes(spanID); err == nil {
		return b[8:]
	}
	h := fnv.New64a()
	h.Write([]byte(spanID))
	return h.Sum(nil)
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func anyAttr(key string, value any) *commonpb.KeyValue {
	av := &commonpb.AnyValue{}
	switch v := value.(type) {
	case string:
		av.Value = &commonpb.AnyValue_StringValue{StringValue: v}
	case bool:
		av.Value = &commonpb.AnyValue_BoolValue{BoolValue: v}
	case int:
		av.Value = &commonpb.AnyValue_IntValue{IntValue: int64(v)}
	case int64:
		av.Value = &commonpb.AnyValue_IntValue{IntValue: v}
	case float64:
		av.Value = &commonpb.AnyValue_DoubleValue{DoubleValue: v}
	default:
		av.Value = &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("%v", v)}
	}
	return &commonpb.KeyValue{Key: key, Value: av}
}
