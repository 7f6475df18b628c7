package integration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ibamex-backend/internal/models"
	"ibamex-backend/internal/repository"
)

// memoryBuses mirrors the Mongo repository semantics closely enough for
// end-to-end tests.
type memoryBuses struct {
	mu    sync.Mutex
	buses map[string]models.Bus
}

func newMemoryBuses() *memoryBuses {
	return &memoryBuses{buses: make(map[string]models.Bus)}
}

func (m *memoryBuses) FindByBusID(_ context.Context, busID string) (*models.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bus, ok := m.buses[busID]
	if !ok {
		return nil, models.ErrBusNotFound
	}
	return &bus, nil
}

func (m *memoryBuses) FindAll(_ context.Context, filter repository.BusFilter) ([]*models.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buses []*models.Bus
	for _, bus := range m.buses {
		if filter.RouteID != "" && bus.RouteID != filter.RouteID {
			continue
		}
		if filter.Status != "" && bus.Status != filter.Status {
			continue
		}
		bus := bus
		buses = append(buses, &bus)
	}
	sort.Slice(buses, func(i, j int) bool { return buses[i].BusID < buses[j].BusID })
	return buses, nil
}

func (m *memoryBuses) UpsertOccupancy(_ context.Context, busID, routeID string, count int, at time.Time) (*models.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bus, ok := m.buses[busID]
	if !ok {
		bus = *models.NewBus(busID, routeID, at)
	}
	bus.CurrentOccupancy = count
	bus.LastUpdated = at
	m.buses[busID] = bus
	return &bus, nil
}

func (m *memoryBuses) UpsertBus(_ context.Context, bus *models.Bus) (*models.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses[bus.BusID] = *bus
	stored := *bus
	return &stored, nil
}

func (m *memoryBuses) UpdateFields(_ context.Context, busID string, fields models.BusFields, at time.Time) (*models.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bus, ok := m.buses[busID]
	if !ok {
		return nil, models.ErrBusNotFound
	}
	fields.Apply(&bus)
	bus.LastUpdated = at
	m.buses[busID] = bus
	return &bus, nil
}

func (m *memoryBuses) Create(_ context.Context, bus *models.Bus) (*models.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buses[bus.BusID]; ok {
		return nil, fmt.Errorf("create %s: %w", bus.BusID, models.ErrBusExists)
	}
	m.buses[bus.BusID] = *bus
	stored := *bus
	return &stored, nil
}

type memoryLogs struct {
	mu      sync.Mutex
	entries []models.OccupancyLog
}

func (m *memoryLogs) Append(_ context.Context, entry *models.OccupancyLog) (*models.OccupancyLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	stored := *entry
	return &stored, nil
}

func (m *memoryLogs) FindByBusID(_ context.Context, busID string, limit int64) ([]*models.OccupancyLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.OccupancyLog
	for i := len(m.entries) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if m.entries[i].BusID == busID {
			entry := m.entries[i]
			out = append(out, &entry)
		}
	}
	return out, nil
}
