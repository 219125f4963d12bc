package transfer

import (
	"context"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/telemetry"
)

// InstrumentedRangedSource wraps RangedSource with telemetry.
type InstrumentedRangedSource struct {
	source     RangedSource
	telemetry  *telemetry.Telemetry
	sourceType string
}

// NewInstrumentedRangedSource creates a new instrumented ranged source.
func NewInstrumentedRangedSource(source RangedSource, tel *telemetry.Telemetry, sourceType string) *InstrumentedRangedSource {
	return &InstrumentedRangedSource{
		source:     source,
		telemetry:  tel,
		sourceType: sourceType,
	}
}

// Open opens a stream with telemetry.
func (s *InstrumentedRangedSource) Open(ctx context.Context, rawURL string, offset int64) (*Stream, error) {
	var result *Stream

	err := s.telemetry.InstrumentSourceOperation(ctx, s.sourceType, "open", func(ctx context.Context) error {
		var err error
		result, err = s.source.Open(ctx, rawURL, offset)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// InstrumentedSessionSource wraps SessionSource with telemetry.
type InstrumentedSessionSource struct {
	source     SessionSource
	telemetry  *telemetry.Telemetry
	sourceType string
}

// NewInstrumentedSessionSource creates a new instrumented session source.
func NewInstrumentedSessionSource(source SessionSource, tel *telemetry.Telemetry, sourceType string) *InstrumentedSessionSource {
	return &InstrumentedSessionSource{
		source:     source,
		telemetry:  tel,
		sourceType: sourceType,
	}
}

// Open opens a session with telemetry. Polls are not traced; staging is.
func (s *InstrumentedSessionSource) Open(ctx context.Context, rec download.Record) (Session, error) {
	var result Session

	err := s.telemetry.InstrumentSourceOperation(ctx, s.sourceType, "open", func(ctx context.Context) error {
		var err error
		result, err = s.source.Open(ctx, rec)

		return err
	})
	if err != nil {
		return nil, err
	}

	return &instrumentedSession{Session: result, parent: s}, nil
}

// Discard discards a session with telemetry.
func (s *InstrumentedSessionSource) Discard(ctx context.Context, rec download.Record) error {
	return s.telemetry.InstrumentSourceOperation(ctx, s.sourceType, "discard", func(ctx context.Context) error {
		return s.source.Discard(ctx, rec)
	})
}

type instrumentedSession struct {
	Session
	parent *InstrumentedSessionSource
}

func (s *instrumentedSession) Stage(ctx context.Context) (string, error) {
	var path string

	err := s.parent.telemetry.InstrumentSourceOperation(ctx, s.parent.sourceType, "stage", func(ctx context.Context) error {
		var err error
		path, err = s.Session.Stage(ctx)

		return err
	})

	return path, err
}
