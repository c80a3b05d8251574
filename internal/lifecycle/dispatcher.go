package lifecycle

import (
	"sync"

	"rebalancer/internal/core"
)

// Observer receives lifecycle events synchronously
type Observer interface {
	Name() string
	OnEvent(ev Event)
}

// Dispatcher fans events out to observers from a single writer. A panicking
// observer is isolated so the remaining observers still receive the event.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []Observer
	logger    core.ILogger
}

// NewDispatcher creates an event dispatcher
func NewDispatcher(logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		logger: logger.WithField("component", "lifecycle_dispatcher"),
	}
}

// Register adds an observer
func (d *Dispatcher) Register(obs Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, obs)
	d.logger.Info("Registered lifecycle observer", "name", obs.Name())
}

// Dispatch delivers the event to every observer
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.mu.RUnlock()

	for _, obs := range observers {
		d.deliver(obs, ev)
	}
}

func (d *Dispatcher) deliver(obs Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Lifecycle observer panicked",
				"observer", obs.Name(), "order_id", ev.OrderID, "panic", r)
		}
	}()
	obs.OnEvent(ev)
}

// LogObserver logs every transition at debug level
type LogObserver struct {
	logger core.ILogger
}

// NewLogObserver creates the default logging observer
func NewLogObserver(logger core.ILogger) *LogObserver {
	return &LogObserver{logger: logger.WithField("component", "order_lifecycle")}
}

func (o *LogObserver) Name() string { return "log" }

func (o *LogObserver) OnEvent(ev Event) {
	o.logger.Debug("Order transition",
		"order_id", ev.OrderID,
		"from", string(ev.From),
		"to", string(ev.To),
		"reason", ev.Reason)
}
