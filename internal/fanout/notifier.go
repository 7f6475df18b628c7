package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Broadcaster delivers an event to whatever sessions it owns. Errors are
// reported to the notifier's log only.
type Broadcaster interface {
	Broadcast(event Event) error
}

// Notifier decouples ingestion from delivery: Notify hands the event to a
// buffered channel and returns immediately, and a single dispatcher goroutine
// calls every broadcaster in registration order.
type Notifier struct {
	broadcasters []Broadcaster
	events       chan Event
	logger       logrus.FieldLogger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type NotifierStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

func NewNotifier(logger logrus.FieldLogger, buffer int, broadcasters ...Broadcaster) *Notifier {
	if buffer < 1 {
		buffer = 1
	}
	return &Notifier{
		broadcasters: broadcasters,
		events:       make(chan Event, buffer),
		logger:       logger.WithField("component", "fanout"),
		done:         make(chan struct{}),
	}
}

func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop drains events already queued, then returns.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
	})
}

// Notify never blocks. When the buffer is full the event is dropped.
func (n *Notifier) Notify(event Event) {
	select {
	case n.events <- event:
	default:
		n.dropped.Add(1)
		n.logger.WithFields(logrus.Fields{
			"event":  event.Name,
			"bus_id": event.BusID,
		}).Warn("Fan-out buffer full, dropping event")
	}
}

func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{
		Sent:    n.sent.Load(),
		Dropped: n.dropped.Load(),
		Pending: len(n.events),
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()

	for {
		select {
		case event := <-n.events:
			n.dispatch(event)
		case <-n.done:
			for {
				select {
				case event := <-n.events:
					n.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) dispatch(event Event) {
	for _, b := range n.broadcasters {
		n.deliver(b, event)
	}
	n.sent.Add(1)
}

func (n *Notifier) deliver(b Broadcaster, event Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.WithField("panic", r).Error("Broadcaster panicked")
		}
	}()

	if err := b.Broadcast(event); err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"event":  event.Name,
			"bus_id": event.BusID,
		}).Debug("Broadcast failed")
	}
}
