package events

import (
	"context"
	"testing"

	"rebalancer/pkg/logging"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	name   string
	events []Event
}

func (r *recordingHandler) Name() string { return r.name }
func (r *recordingHandler) Handle(_ context.Context, ev Event) {
	r.events = append(r.events, ev)
}

type panickingHandler struct{}

func (panickingHandler) Name() string                      { return "panics" }
func (panickingHandler) Handle(_ context.Context, _ Event) { panic("handler bug") }

func TestBusFanOut(t *testing.T) {
	bus := NewBus(logging.GetGlobalLogger())
	h1 := &recordingHandler{name: "h1"}
	h2 := &recordingHandler{name: "h2"}
	bus.Subscribe(h1)
	bus.Subscribe(h2)

	bus.PublishTradeExecuted(context.Background(), TradeExecuted{
		RunID: "r1", TradeID: "t1", Symbol: "AAPL", Success: true,
	})

	assert.Len(t, h1.events, 1)
	assert.Len(t, h2.events, 1)
	assert.Equal(t, KindTradeExecuted, h1.events[0].Kind)
	assert.Equal(t, "t1", h1.events[0].Trade.TradeID)
}

func TestBusIsolatesPanickingHandler(t *testing.T) {
	bus := NewBus(logging.GetGlobalLogger())
	after := &recordingHandler{name: "after"}
	bus.Subscribe(panickingHandler{})
	bus.Subscribe(after)

	bus.PublishWorkflowFailed(context.Background(), WorkflowFailed{
		CorrelationID: "c1",
		WorkflowType:  "REBALANCE",
		FailureReason: "BUY phase blocked: SELL failures exceed threshold",
		FailureStep:   "SELL_PHASE_GUARD",
	})

	assert.Len(t, after.events, 1)
	assert.Equal(t, "SELL_PHASE_GUARD", after.events[0].Workflow.FailureStep)
}
