package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ibamex-backend/internal/fanout"
	"ibamex-backend/internal/models"
	"ibamex-backend/internal/transport"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownBus   = errors.New("status for unknown bus")
	ErrStorage      = errors.New("storage failure")
	ErrUnknownTopic = errors.New("unknown topic")
	ErrPanic        = errors.New("handler panic")
)

// Store is the slice of the storage adapter the pipeline writes through.
type Store interface {
	AppendOccupancyLog(ctx context.Context, entry *models.OccupancyLog) (*models.OccupancyLog, error)
	UpsertOccupancy(ctx context.Context, busID, routeID string, count int, at time.Time) (*models.Bus, error)
	UpdateBusFields(ctx context.Context, busID string, fields models.BusFields, at time.Time) (*models.Bus, error)
}

type Notifier interface {
	Notify(event fanout.Event)
}

type Subscriber interface {
	Subscribe(topic string, handler transport.MessageHandler) error
}

type Config struct {
	CountTopic     string
	StatusTopic    string
	StorageTimeout time.Duration
	StatusEvents   bool
}

type Stats struct {
	Received      uint64 `json:"received"`
	Applied       uint64 `json:"applied"`
	DecodeErrors  uint64 `json:"decodeErrors"`
	UnknownBus    uint64 `json:"unknownBus"`
	StorageErrors uint64 `json:"storageErrors"`
	UnknownTopic  uint64 `json:"unknownTopic"`
	Panics        uint64 `json:"panics"`
}

type counters struct {
	received, applied, decode, unknownBus, storage, unknownTopic, panics atomic.Uint64
}

// Pipeline turns telemetry into storage writes and fan-out events. Every
// failure is handled per message; nothing escapes HandleMessage.
type Pipeline struct {
	store    Store
	notifier Notifier
	logger   logrus.FieldLogger
	cfg      Config
	topics   map[string]Kind
	now      func() time.Time
	stats    counters
}

func NewPipeline(store Store, notifier Notifier, logger logrus.FieldLogger, cfg Config) *Pipeline {
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 5 * time.Second
	}
	return &Pipeline{
		store:    store,
		notifier: notifier,
		logger:   logger.WithField("component", "ingestion"),
		cfg:      cfg,
		topics: map[string]Kind{
			cfg.CountTopic:  KindCount,
			cfg.StatusTopic: KindStatus,
		},
		now: time.Now,
	}
}

// Start subscribes the pipeline to both telemetry topics.
func (p *Pipeline) Start(sub Subscriber) error {
	for _, topic := range []string{p.cfg.CountTopic, p.cfg.StatusTopic} {
		if err := sub.Subscribe(topic, p.HandleMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// HandleMessage is the transport callback.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	err := p.Process(context.Background(), topic, payload)
	p.record(topic, err)
}

// Process applies one message and reports why it was dropped, if it was.
func (p *Pipeline) Process(ctx context.Context, topic string, payload []byte) (err error) {
	p.stats.received.Add(1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	kind, ok := p.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	msg, err := Decode(kind, payload)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *CountMessage:
		return p.applyCount(ctx, m)
	case *StatusMessage:
		return p.applyStatus(ctx, m)
	}
	return &DecodeError{Kind: kind, Reason: "unhandled message type"}
}

func (p *Pipeline) applyCount(ctx context.Context, m *CountMessage) error {
	at := p.now()

	entry := &models.OccupancyLog{
		BusID:     m.BusID,
		RouteID:   m.RouteID,
		Count:     m.Count,
		Timestamp: at,
	}
	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		_, err := p.store.AppendOccupancyLog(ctx, entry)
		return err
	}); err != nil {
		return fmt.Errorf("%w: append log: %w", ErrStorage, err)
	}

	var bus *models.Bus
	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		bus, err = p.store.UpsertOccupancy(ctx, m.BusID, m.RouteID, m.Count, at)
		return err
	}); err != nil {
		return fmt.Errorf("%w: upsert bus: %w", ErrStorage, err)
	}

	p.notifier.Notify(fanout.NewOccupancyEvent(bus))
	return nil
}

func (p *Pipeline) applyStatus(ctx context.Context, m *StatusMessage) error {
	var bus *models.Bus
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		bus, err = p.store.UpdateBusFields(ctx, m.BusID, m.Fields(), p.now())
		return err
	})
	if errors.Is(err, models.ErrBusNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownBus, m.BusID)
	}
	if err != nil {
		return fmt.Errorf("%w: update bus: %w", ErrStorage, err)
	}

	if p.cfg.StatusEvents {
		p.notifier.Notify(fanout.NewStatusEvent(bus))
	}
	return nil
}

func (p *Pipeline) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StorageTimeout)
	defer cancel()
	return fn(ctx)
}

func (p *Pipeline) record(topic string, err error) {
	entry := p.logger.WithField("topic", topic)

	switch {
	case err == nil:
		p.stats.applied.Add(1)
		return
	case errors.Is(err, ErrPanic):
		p.stats.panics.Add(1)
		entry.WithError(err).Error("Recovered from panic while handling telemetry")
	case errors.Is(err, ErrDecode):
		p.stats.decode.Add(1)
		entry.WithError(err).Warn("Dropping malformed telemetry")
	case errors.Is(err, ErrUnknownBus):
		p.stats.unknownBus.Add(1)
		entry.WithError(err).Info("Dropping status update for unknown bus")
	case errors.Is(err, ErrUnknownTopic):
		p.stats.unknownTopic.Add(1)
		entry.WithError(err).Warn("Dropping telemetry on unexpected topic")
	case errors.Is(err, context.DeadlineExceeded):
		p.stats.storage.Add(1)
		entry.WithError(err).Error("Storage timed out, dropping telemetry")
	default:
		p.stats.storage.Add(1)
		entry.WithError(err).Error("Storage failure, dropping telemetry")
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:      p.stats.received.Load(),
		Applied:       p.stats.applied.Load(),
		DecodeErrors:  p.stats.decode.Load(),
		UnknownBus:    p.stats.unknownBus.Load(),
		StorageErrors: p.stats.storage.Load(),
		UnknownTopic:  p.stats.unknownTopic.Load(),
		Panics:        p.stats.panics.Load(),
	}
}
