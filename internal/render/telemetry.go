package render

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	duration   metric.Float64Histogram
	stems      metric.Int64Counter
	clipped    metric.Int64Counter
	shortfalls metric.Int64Counter
	loudness   metric.Float64Gauge
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.duration, err = meter.Float64Histogram("loqa.render.duration",
		metric.WithDescription("Wall time of a render"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if in.stems, err = meter.Int64Counter("loqa.render.stems",
		metric.WithDescription("Stems generated, by kind")); err != nil {
		return nil, err
	}
	if in.clipped, err = meter.Int64Counter("loqa.render.mix_clipped_samples",
		metric.WithDescription("Mix bus samples beyond full scale before mastering")); err != nil {
		return nil, err
	}
	if in.shortfalls, err = meter.Int64Counter("loqa.render.shortfalls",
		metric.WithDescription("Masters that missed the loudness target")); err != nil {
		return nil, err
	}
	if in.loudness, err = meter.Float64Gauge("loqa.render.integrated_loudness",
		metric.WithDescription("Integrated loudness of the last master"), metric.WithUnit("LUFS")); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *instruments) observeDuration(ctx context.Context, d time.Duration, status string) {
	if in == nil {
		return
	}
	in.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

func (in *instruments) addStem(ctx context.Context, kind string) {
	if in == nil {
		return
	}
	in.stems.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (in *instruments) addClipped(ctx context.Context, n int) {
	if in == nil {
		return
	}
	in.clipped.Add(ctx, int64(n))
}

func (in *instruments) addShortfall(ctx context.Context) {
	if in == nil {
		return
	}
	in.shortfalls.Add(ctx, 1)
}

func (in *instruments) setLoudness(ctx context.Context, session string, lufs float64) {
	if in == nil {
		return
	}
	in.loudness.Record(ctx, lufs, metric.WithAttributes(attribute.String("session", session)))
}
