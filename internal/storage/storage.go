package storage

import "starkscope/internal/model"

// DecodeErrorSink receives events that failed to decode against their ABI.
type DecodeErrorSink interface {
	PutDecodeErrors(records []model.DecodeError) error
}

// Discard drops records. Skips are still counted and logged by the caller.
type Discard struct{}

func (Discard) PutDecodeErrors([]model.DecodeError) error { return nil }
