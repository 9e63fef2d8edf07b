package stream

import (
	"context"
)

// Map returns a stream that applies fn to every data message of src. An
// error from fn or a terminal error from src ends the new stream with that
// error. Closing the returned stream closes src.
func Map(ctx context.Context, src *Stream, fn func(any) (any, error), opts ...Option) *Stream {
	opts = append(opts, OnCleanup(src.Close))
	return New(ctx, func(ctx context.Context, emit Emit) error {
		for {
			m, ok := src.Next(ctx)
			if !ok {
				return nil
			}
			if m.Error != nil {
				return m.Error
			}
			v, err := fn(m.Data)
			if err != nil {
				return err
			}
			if err := emit(v); err != nil {
				return err
			}
		}
	}, opts...)
}

// FromValues returns a stream that delivers values in order and completes.
func FromValues(ctx context.Context, values []any, opts ...Option) *Stream {
	return New(ctx, func(ctx context.Context, emit Emit) error {
		for _, v := range values {
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	}, opts...)
}

// Collect drains s and returns every data message. A terminal error is
// returned as the error; the stream is closed before returning.
func Collect(ctx context.Context, s *Stream) ([]any, error) {
	defer s.Close()
	var out []any
	for {
		m, ok := s.Next(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			return out, nil
		}
		if m.Error != nil {
			return out, m.Error
		}
		out = append(out, m.Data)
	}
}
