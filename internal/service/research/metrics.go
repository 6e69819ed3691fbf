package research

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/telemetry"
)

type metrics struct {
	started     metric.Int64Counter
	commands    metric.Int64Counter
	transitions metric.Int64Counter
	extensions  metric.Int64Counter
}

func newMetrics() *metrics {
	meter := telemetry.Meter(telemetry.ScopeResearch)
	started, _ := meter.Int64Counter("research.sessions.started",
		metric.WithDescription("Research sessions submitted"),
	)
	commands, _ := meter.Int64Counter("research.commands",
		metric.WithDescription("Client commands by action and outcome"),
	)
	transitions, _ := meter.Int64Counter("research.transitions",
		metric.WithDescription("Status transitions by target status"),
	)
	extensions, _ := meter.Int64Counter("research.extensions.applied",
		metric.WithDescription("Extension grants applied by workers"),
	)
	return &metrics{
		started:     started,
		commands:    commands,
		transitions: transitions,
		extensions:  extensions,
	}
}

func (m *metrics) command(ctx context.Context, action model.Action, outcome string) {
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) transition(ctx context.Context, to model.Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
}
