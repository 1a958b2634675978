package flowtrace

import (
	"context"
	"errors"
	"time"

	"github.com/flowtrace/flowtrace-go/backend"
)

// Assessment source types, re-exported from the backend wire types.
type (
	AssessmentSource     = backend.AssessmentSource
	AssessmentSourceType = backend.AssessmentSourceType
)

const (
	SourceHuman    = backend.SourceHuman
	SourceLLMJudge = backend.SourceLLMJudge
	SourceCode     = backend.SourceCode
)

// AssessmentOption refines an assessment before it is sent.
type AssessmentOption func(*backend.Assessment)

// WithAssessmentSpanID attaches the assessment to one span rather than
// the whole trace.
func WithAssessmentSpanID(spanID string) AssessmentOption {
	return func(a *backend.Assessment) { a.SpanID = spanID }
}

// WithRationale records the reasoning behind the assessment value.
func WithRationale(rationale string) AssessmentOption {
	return func(a *backend.Assessment) { a.Rationale = rationale }
}

// WithAssessmentMetadata attaches free-form metadata.
func WithAssessmentMetadata(md map[string]string) AssessmentOption {
	return func(a *backend.Assessment) { a.Metadata = md }
}

// WithFeedbackError records that producing the feedback value itself
// failed, for example when an LLM judge errored. Valid in place of a
// feedback value.
func WithFeedbackError(err error) AssessmentOption {
	return func(a *backend.Assessment) {
		if err != nil {
			a.FeedbackError = err.Error()
		}
	}
}

// LogExpectation records a ground-truth label against an exported trace.
// The value must be non-nil and the source must name its type.
func (t *Tracer) LogExpectation(ctx context.Context, traceID, name string, value any, source AssessmentSource, opts ...AssessmentOption) error {
	if value == nil {
		return errors.New("expectation value cannot be nil")
	}
	a, err := newAssessment(traceID, name, source, opts)
	if err != nil {
		return err
	}
	a.Expectation = value
	return t.store.CreateAssessment(ctx, a)
}

// LogFeedback records a quality judgment against an exported trace. Either
// a non-nil value or a WithFeedbackError option is required.
func (t *Tracer) LogFeedback(ctx context.Context, traceID, name string, value any, source AssessmentSource, opts ...AssessmentOption) error {
	a, err := newAssessment(traceID, name, source, opts)
	if err != nil {
		return err
	}
	a.Feedback = value
	if value == nil && a.FeedbackError == "" {
		return errors.New("feedback requires a value or an error")
	}
	return t.store.CreateAssessment(ctx, a)
}

func newAssessment(traceID, name string, source AssessmentSource, opts []AssessmentOption) (*backend.Assessment, error) {
	if traceID == "" {
		return nil, errors.New("assessment requires a trace id")
	}
	if name == "" {
		return nil, errors.New("assessment requires a name")
	}
	if source.SourceType == "" {
		return nil, errors.New("assessment requires a source type")
	}

	now := time.Now()
	a := &backend.Assessment{
		TraceID:        traceID,
		Name:           name,
		Source:         source,
		CreateTime:     now,
		LastUpdateTime: now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}
