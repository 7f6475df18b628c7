package main

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"ibamex-backend/internal/models"
)

type countPayload struct {
	BusID   string `json:"busId"`
	RouteID string `json:"routeId"`
	Count   int    `json:"count"`
}

type statusPayload struct {
	BusID        string  `json:"busId"`
	RouteID      string  `json:"routeId"`
	Status       string  `json:"status"`
	BatteryLevel float64 `json:"batteryLevel"`
}

// simulatedBus is the state one ESP32 counter would hold.
type simulatedBus struct {
	id       string
	route    string
	capacity int
	count    int
	battery  float64
	ticks    int
	rng      *rand.Rand
}

func newSimulatedBus(prefix string, n int, route string, seed int64) *simulatedBus {
	return &simulatedBus{
		id:       fmt.Sprintf("%s%03d", prefix, n),
		route:    route,
		capacity: models.DefaultCapacity,
		battery:  models.DefaultBatteryLevel,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// step applies one stop: some passengers alight, some board. The count stays
// in [0, capacity+capacity/4] so crowded buses show up above 100%.
func (b *simulatedBus) step() {
	alighting := b.rng.Intn(b.count/3 + 1)
	boarding := b.rng.Intn(b.capacity/5 + 1)

	b.count += boarding - alighting
	if b.count < 0 {
		b.count = 0
	}
	if ceiling := b.capacity + b.capacity/4; b.count > ceiling {
		b.count = ceiling
	}

	b.battery -= 0.05 + b.rng.Float64()*0.1
	if b.battery < 0 {
		b.battery = 0
	}
	b.ticks++
}

func (b *simulatedBus) status() models.BusStatus {
	if b.battery < 5 {
		return models.StatusMaintenance
	}
	return models.StatusActive
}

func (b *simulatedBus) countPayload() ([]byte, error) {
	return json.Marshal(countPayload{BusID: b.id, RouteID: b.route, Count: b.count})
}

func (b *simulatedBus) statusPayload() ([]byte, error) {
	return json.Marshal(statusPayload{
		BusID:        b.id,
		RouteID:      b.route,
		Status:       string(b.status()),
		BatteryLevel: float64(int(b.battery*10)) / 10,
	})
}

// statusDue reports whether a status message follows the current count.
func (b *simulatedBus) statusDue(every int) bool {
	return every > 0 && b.ticks%every == 0
}
