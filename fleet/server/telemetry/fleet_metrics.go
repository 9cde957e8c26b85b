package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FleetMetrics represents metrics of the orchestration loops and remote clients.
// All methods are safe to call on a nil receiver.
type FleetMetrics struct {
	probes             metric.Int64Counter
	replacementPhases  metric.Int64Counter
	migrations         metric.Int64Counter
	migratedUsers      metric.Int64Counter
	reconcilerActions  metric.Int64Counter
	remoteCallRetries  metric.Int64Counter
	compensationsTotal metric.Int64Counter
	ctx                context.Context
}

// NewFleetMetrics creates an instance of FleetMetrics
func NewFleetMetrics(ctx context.Context, meter metric.Meter) (*FleetMetrics, error) {
	probes, err := meter.Int64Counter("sshfleet.failover.probes",
		metric.WithDescription("Number of consensus probes by verdict"))
	if err != nil {
		return nil, err
	}

	replacementPhases, err := meter.Int64Counter("sshfleet.failover.replacement.phases",
		metric.WithDescription("Number of replacement phase transitions by phase"))
	if err != nil {
		return nil, err
	}

	migrations, err := meter.Int64Counter("sshfleet.migration.runs",
		metric.WithDescription("Number of migrations by outcome"))
	if err != nil {
		return nil, err
	}

	migratedUsers, err := meter.Int64Counter("sshfleet.migration.users")
	if err != nil {
		return nil, err
	}

	reconcilerActions, err := meter.Int64Counter("sshfleet.reconciler.actions",
		metric.WithDescription("Number of reconciler actions by kind and outcome"))
	if err != nil {
		return nil, err
	}

	remoteCallRetries, err := meter.Int64Counter("sshfleet.remote.retries")
	if err != nil {
		return nil, err
	}

	compensationsTotal, err := meter.Int64Counter("sshfleet.saga.compensations")
	if err != nil {
		return nil, err
	}

	return &FleetMetrics{
		probes:             probes,
		replacementPhases:  replacementPhases,
		migrations:         migrations,
		migratedUsers:      migratedUsers,
		reconcilerActions:  reconcilerActions,
		remoteCallRetries:  remoteCallRetries,
		compensationsTotal: compensationsTotal,
		ctx:                ctx,
	}, nil
}

// CountProbe counts one consensus probe verdict
func (m *FleetMetrics) CountProbe(healthy bool) {
	if m == nil {
		return
	}
	m.probes.Add(m.ctx, 1, metric.WithAttributes(attribute.Bool("healthy", healthy)))
}

// CountReplacementPhase counts one entry into phase
func (m *FleetMetrics) CountReplacementPhase(phase string) {
	if m == nil {
		return
	}
	m.replacementPhases.Add(m.ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// CountMigration counts a finished migration and the number of users it moved
func (m *FleetMetrics) CountMigration(outcome string, users int) {
	if m == nil {
		return
	}
	m.migrations.Add(m.ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.migratedUsers.Add(m.ctx, int64(users))
}

// CountReconcilerAction counts one reconciler or sync action such as notice, block, delete or recreate
func (m *FleetMetrics) CountReconcilerAction(action string, ok bool) {
	if m == nil {
		return
	}
	m.reconcilerActions.Add(m.ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("ok", ok),
	))
}

// CountRemoteRetry counts a retried remote call
func (m *FleetMetrics) CountRemoteRetry(client string) {
	if m == nil {
		return
	}
	m.remoteCallRetries.Add(m.ctx, 1, metric.WithAttributes(attribute.String("client", client)))
}

// CountCompensation counts a compensating action executed by a saga
func (m *FleetMetrics) CountCompensation(ok bool) {
	if m == nil {
		return
	}
	m.compensationsTotal.Add(m.ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}
