package meter

import (
	"context"
	"log/slog"

	"github.com/ineyio/quotaledger"
)

// LogMeter logs ledger events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ quotaledger.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnReserve(e quotaledger.ReserveEvent) {
	m.Logger.Info("reserve",
		"uid", e.UID,
		"job", e.JobID,
		"plan", e.Plan,
		"reserved_seconds", e.ReservedSeconds,
		"reserved_base_seconds", e.ReservedBaseSeconds,
		"reserved_ticket_seconds", e.ReservedTicketSeconds,
		"reused", e.Reused,
		"took_over", e.TookOver,
		"attempts", e.Attempts,
	)
}

func (m *LogMeter) OnSettle(e quotaledger.SettleEvent) {
	m.Logger.Info("settle",
		"uid", e.UID,
		"job", e.JobID,
		"plan", e.Plan,
		"reserved_seconds", e.ReservedSeconds,
		"actual_seconds", e.ActualSeconds,
		"billed_seconds", e.BilledSeconds,
		"billed_base_seconds", e.BilledBaseSeconds,
		"billed_ticket_seconds", e.BilledTicketSeconds,
		"takeover", e.Takeover,
		"duration_ms", e.Duration.Milliseconds(),
	)
}

func (m *LogMeter) OnCredit(e quotaledger.CreditEvent) {
	m.Logger.Info("credit",
		"uid", e.UID,
		"event", e.ExternalEventID,
		"source", e.Source,
		"delta_seconds", e.DeltaSeconds,
		"balance_after", e.BalanceAfter,
		"already_processed", e.AlreadyProcessed,
	)
}

func (m *LogMeter) OnAnomaly(e quotaledger.AnomalyEvent) {
	m.Logger.Warn("ledger_anomaly",
		"uid", e.UID,
		"job", e.JobID,
		"kind", e.Kind,
		"expected", e.Expected,
		"actual", e.Actual,
	)
}

func (m *LogMeter) OnSweep(e quotaledger.SweepEvent) {
	level := slog.LevelInfo
	if e.Errors > 0 || e.BlobFailures > 0 {
		level = slog.LevelWarn
	}
	m.Logger.Log(context.Background(), level, "sweep",
		"scanned", e.Scanned,
		"deleted", e.Deleted,
		"errors", e.Errors,
		"blob_failures", e.BlobFailures,
		"duration_ms", e.Duration.Milliseconds(),
	)
}
