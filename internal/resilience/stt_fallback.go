package resilience

import (
	"context"

	"github.com/MrWong99/tablevoice/internal/observe"
	"github.com/MrWong99/tablevoice/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that buffers a recording itself and, on
// Finalize, hands it to each configured backend in turn until one
// transcribes it.
type STTFallback struct {
	group   *FallbackGroup[stt.Transcriber]
	metrics *observe.Metrics
}

var (
	_ stt.Provider    = (*STTFallback)(nil)
	_ stt.Transcriber = (*STTFallback)(nil)
)

// NewSTTFallback returns an empty failover provider. m may be nil.
func NewSTTFallback(cfg FallbackConfig, m *observe.Metrics) *STTFallback {
	return &STTFallback{group: NewFallbackGroup[stt.Transcriber](cfg), metrics: m}
}

// Add registers a backend. The first one added is preferred.
func (f *STTFallback) Add(name string, t stt.Transcriber) {
	f.group.Add(name, t)
}

// StartSession opens a buffering session that transcribes through f.
func (f *STTFallback) StartSession(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return stt.NewBatchSession(cfg, f), nil
}

// Transcribe tries each backend in order.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	return Do(ctx, f.group, func(ctx context.Context, name string, t stt.Transcriber) (stt.Result, error) {
		res, err := t.Transcribe(ctx, req)
		if f.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
				f.metrics.RecordProviderError(ctx, name, "stt")
			}
			f.metrics.RecordProviderRequest(ctx, name, "stt", status)
		}
		return res, err
	})
}
