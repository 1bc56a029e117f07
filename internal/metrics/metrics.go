package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	MintJobs         metric.Int64Counter
	MintedTotal      metric.Float64Counter
	MintDuration     metric.Float64Histogram
	RedemptionJobs   metric.Int64Counter
	RedeemedTotal    metric.Float64Counter
	RedeemDuration   metric.Float64Histogram
	JobsInFlight     metric.Int64UpDownCounter
	ReconcileCycles  metric.Int64Counter
	Discrepancies    metric.Int64Counter
	ReserveRatio     metric.Float64Histogram
	AlertsTriggered  metric.Int64Counter
	LedgerCalls      metric.Int64Counter
	ChainCalls       metric.Int64Counter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.MintJobs, err = meter.Int64Counter(
		"bridge_mint_jobs_total",
		metric.WithDescription("Minting jobs by terminal outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MintedTotal, err = meter.Float64Counter(
		"bridge_minted_cknova_total",
		metric.WithDescription("Total ckNOVA minted from confirmed deposits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MintDuration, err = meter.Float64Histogram(
		"bridge_mint_duration_seconds",
		metric.WithDescription("Queue-to-completion latency of minting jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RedemptionJobs, err = meter.Int64Counter(
		"bridge_redemption_jobs_total",
		metric.WithDescription("Redemption jobs by terminal outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RedeemedTotal, err = meter.Float64Counter(
		"bridge_redeemed_cknova_total",
		metric.WithDescription("Total ckNOVA burned and withdrawn"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RedeemDuration, err = meter.Float64Histogram(
		"bridge_redeem_duration_seconds",
		metric.WithDescription("Queue-to-completion latency of redemption jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsInFlight, err = meter.Int64UpDownCounter(
		"bridge_jobs_in_flight",
		metric.WithDescription("Jobs currently being processed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconcileCycles, err = meter.Int64Counter(
		"bridge_reconcile_cycles_total",
		metric.WithDescription("Completed balance reconciliation cycles"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Discrepancies, err = meter.Int64Counter(
		"bridge_discrepancies_total",
		metric.WithDescription("Balance discrepancies by severity"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReserveRatio, err = meter.Float64Histogram(
		"bridge_reserve_ratio",
		metric.WithDescription("Observed reserve ratio at verification time"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AlertsTriggered, err = meter.Int64Counter(
		"bridge_alerts_total",
		metric.WithDescription("Operator alerts by severity"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LedgerCalls, err = meter.Int64Counter(
		"bridge_ledger_calls_total",
		metric.WithDescription("Ledger canister RPC calls by method and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ChainCalls, err = meter.Int64Counter(
		"bridge_chain_calls_total",
		metric.WithDescription("Nova RPC calls by method and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordMintOutcome(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.MintJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordMintCompleted(ctx context.Context, amount float64, latency time.Duration) {
	if m == nil {
		return
	}
	m.MintJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "completed")))
	m.MintedTotal.Add(ctx, amount)
	m.MintDuration.Record(ctx, latency.Seconds())
}

func (m *Metrics) RecordRedemptionOutcome(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.RedemptionJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordRedemptionCompleted(ctx context.Context, amount float64, latency time.Duration) {
	if m == nil {
		return
	}
	m.RedemptionJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "completed")))
	m.RedeemedTotal.Add(ctx, amount)
	m.RedeemDuration.Record(ctx, latency.Seconds())
}

func (m *Metrics) JobStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsInFlight.Add(ctx, 1)
}

func (m *Metrics) JobFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsInFlight.Add(ctx, -1)
}

func (m *Metrics) RecordReconcileCycle(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReconcileCycles.Add(ctx, 1)
}

func (m *Metrics) RecordDiscrepancy(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	m.Discrepancies.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

func (m *Metrics) RecordReserveRatio(ctx context.Context, ratio float64) {
	if m == nil {
		return
	}
	m.ReserveRatio.Record(ctx, ratio)
}

func (m *Metrics) RecordAlert(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	m.AlertsTriggered.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

func (m *Metrics) RecordLedgerCall(ctx context.Context, method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LedgerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordChainCall(ctx context.Context, method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ChainCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
}
