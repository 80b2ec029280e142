/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/fastpub/pkg/shm"

// Metrics holds the prometheus collectors shared by every handle built with
// the same Config. All methods are safe on a nil *Metrics.
type Metrics struct {
	commits   *prometheus.CounterVec
	reads     *prometheus.CounterVec
	releases  *prometheus.CounterVec
	exhausted *prometheus.CounterVec
	misuse    *prometheus.CounterVec
	freeSlots *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg. Collectors
// already registered on reg are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fastpub",
			Name:      "commits_total",
			Help:      "Values published.",
		}, []string{"channel"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fastpub",
			Name:      "reads_total",
			Help:      "Views acquired by subscribers, by operation.",
		}, []string{"channel", "op"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fastpub",
			Name:      "releases_total",
			Help:      "Views released by subscribers.",
		}, []string{"channel"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fastpub",
			Name:      "pool_exhausted_total",
			Help:      "Commits refused because no slot was free.",
		}, []string{"channel"}),
		misuse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fastpub",
			Name:      "misuse_total",
			Help:      "Protocol violations detected, by kind.",
		}, []string{"channel", "kind"}),
		freeSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fastpub",
			Name:      "free_slots",
			Help:      "Slots in the free list after the last commit.",
		}, []string{"channel"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.commits, err = register(reg, m.commits)
	if err != nil {
		return nil, err
	}
	m.reads, err = register(reg, m.reads)
	if err != nil {
		return nil, err
	}
	m.releases, err = register(reg, m.releases)
	if err != nil {
		return nil, err
	}
	m.exhausted, err = register(reg, m.exhausted)
	if err != nil {
		return nil, err
	}
	m.misuse, err = register(reg, m.misuse)
	if err != nil {
		return nil, err
	}
	m.freeSlots, err = register(reg, m.freeSlots)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) commit(channel string, free uint32) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(channel).Inc()
	m.freeSlots.WithLabelValues(channel).Set(float64(free))
}

func (m *Metrics) read(channel, op string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(channel, op).Inc()
}

func (m *Metrics) release(channel string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(channel).Inc()
}

func (m *Metrics) poolExhausted(channel string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(channel).Inc()
}

func (m *Metrics) violation(channel, kind string) {
	if m == nil {
		return
	}
	m.misuse.WithLabelValues(channel, kind).Inc()
}

// instruments bundles the OpenTelemetry tracer and meter instruments of one
// handle.
type instruments struct {
	tracer       trace.Tracer
	commits      metric.Int64Counter
	waitDuration metric.Float64Histogram
	attrs        metric.MeasurementOption
}

func newInstruments(cfg *Config, name, role string) instruments {
	ins := instruments{
		tracer: cfg.Tracer,
		attrs: metric.WithAttributes(
			attribute.String("fastpub.channel", name),
			attribute.String("fastpub.role", role),
		),
	}
	if ins.tracer == nil {
		ins.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	var err error
	if ins.commits, err = meter.Int64Counter("fastpub.commits",
		metric.WithDescription("Values published.")); err != nil {
		internalLogger.warnf("otel counter fastpub.commits: %v", err)
		ins.commits = metricnoop.Int64Counter{}
	}
	if ins.waitDuration, err = meter.Float64Histogram("fastpub.wait.duration",
		metric.WithDescription("Time spent in WaitForUpdate."),
		metric.WithUnit("s")); err != nil {
		internalLogger.warnf("otel histogram fastpub.wait.duration: %v", err)
		ins.waitDuration = metricnoop.Float64Histogram{}
	}
	return ins
}

func (ins instruments) start(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return ins.tracer.Start(ctx, "fastpub."+op, trace.WithAttributes(attribute.String("fastpub.channel", name)))
}

func (ins instruments) recordWait(start time.Time) {
	ins.waitDuration.Record(context.Background(), time.Since(start).Seconds(), ins.attrs)
}

func (ins instruments) recordCommit() {
	ins.commits.Add(context.Background(), 1, ins.attrs)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
