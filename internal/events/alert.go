package events

import (
	"context"

	"rebalancer/internal/core"
)

// AlertHandler surfaces run-level failures through the logger at a level an
// on-call alerting pipeline picks up. Webhook channels can wrap this
// interface without the core knowing.
type AlertHandler struct {
	logger core.ILogger
}

// NewAlertHandler creates the log-backed alert handler
func NewAlertHandler(logger core.ILogger) *AlertHandler {
	return &AlertHandler{logger: logger.WithField("component", "alerts")}
}

func (a *AlertHandler) Name() string { return "alerts" }

func (a *AlertHandler) Handle(_ context.Context, ev Event) {
	switch ev.Kind {
	case KindWorkflowFailed:
		a.logger.Error("Workflow failed",
			"correlation_id", ev.Workflow.CorrelationID,
			"workflow_type", ev.Workflow.WorkflowType,
			"reason", ev.Workflow.FailureReason,
			"step", ev.Workflow.FailureStep)
	case KindTradeExecuted:
		if ev.Trade.Success {
			return
		}
		a.logger.Warn("Trade failed",
			"run_id", ev.Trade.RunID,
			"trade_id", ev.Trade.TradeID,
			"symbol", ev.Trade.Symbol,
			"error", ev.Trade.ErrorMessage)
	}
}
