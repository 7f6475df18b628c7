package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ibamex-backend/internal/models"
	"ibamex-backend/internal/repository"
	"ibamex-backend/pkg/cache"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNoFields   = errors.New("no fields to update")
)

// BusRepository is the persistence the service needs for bus records.
type BusRepository interface {
	FindByBusID(ctx context.Context, busID string) (*models.Bus, error)
	FindAll(ctx context.Context, filter repository.BusFilter) ([]*models.Bus, error)
	UpsertOccupancy(ctx context.Context, busID, routeID string, count int, at time.Time) (*models.Bus, error)
	UpsertBus(ctx context.Context, bus *models.Bus) (*models.Bus, error)
	UpdateFields(ctx context.Context, busID string, fields models.BusFields, at time.Time) (*models.Bus, error)
	Create(ctx context.Context, bus *models.Bus) (*models.Bus, error)
}

type OccupancyLogRepository interface {
	Append(ctx context.Context, entry *models.OccupancyLog) (*models.OccupancyLog, error)
	FindByBusID(ctx context.Context, busID string, limit int64) ([]*models.OccupancyLog, error)
}

// BusService owns every read and write of bus state. Ingestion writes through
// it as well as the REST handlers, so the cache is kept coherent in one place.
type BusService struct {
	busRepo      BusRepository
	logRepo      OccupancyLogRepository
	cacheManager cache.CacheManager
	cacheConfig  cache.CacheConfig
	logger       logrus.FieldLogger
	validate     *validator.Validate
	now          func() time.Time
}

func NewBusService(busRepo BusRepository, logRepo OccupancyLogRepository, logger logrus.FieldLogger) *BusService {
	return &BusService{
		busRepo:     busRepo,
		logRepo:     logRepo,
		cacheConfig: cache.DefaultCacheConfig(),
		logger:      logger.WithField("component", "bus_service"),
		validate:    validator.New(),
		now:         time.Now,
	}
}

// SetCacheManager enables read-through caching.
func (s *BusService) SetCacheManager(cacheManager cache.CacheManager) {
	s.cacheManager = cacheManager
}

func (s *BusService) SetCacheConfig(config cache.CacheConfig) {
	s.cacheConfig = config
}

type CreateBusRequest struct {
	BusID        string   `json:"busId" validate:"required,max=64"`
	RouteID      string   `json:"routeId" validate:"omitempty,max=64"`
	Capacity     *int     `json:"capacity" validate:"omitempty,min=1"`
	Status       string   `json:"status" validate:"omitempty,oneof=active inactive maintenance"`
	BatteryLevel *float64 `json:"batteryLevel" validate:"omitempty,min=0,max=100"`
}

// UpdateBusRequest is a partial update; absent fields are untouched.
type UpdateBusRequest struct {
	RouteID      *string  `json:"routeId" validate:"omitempty,min=1,max=64"`
	Capacity     *int     `json:"capacity" validate:"omitempty,min=1"`
	Status       *string  `json:"status" validate:"omitempty,oneof=active inactive maintenance"`
	BatteryLevel *float64 `json:"batteryLevel" validate:"omitempty,min=0,max=100"`
}

// ReplaceBusRequest carries a complete bus record, minus its id.
type ReplaceBusRequest struct {
	RouteID          string  `json:"routeId" validate:"required,max=64"`
	Capacity         int     `json:"capacity" validate:"required,min=1"`
	Status           string  `json:"status" validate:"required,oneof=active inactive maintenance"`
	BatteryLevel     float64 `json:"batteryLevel" validate:"min=0,max=100"`
	CurrentOccupancy *int    `json:"currentOccupancy" validate:"omitempty,min=0,max=10000"`
}

// BusView is the API representation of a bus.
type BusView struct {
	*models.Bus
	OccupancyPercentage int `json:"occupancyPercentage"`
}

func NewBusView(bus *models.Bus) BusView {
	return BusView{Bus: bus, OccupancyPercentage: bus.OccupancyPercentage()}
}

func NewBusViews(buses []*models.Bus) []BusView {
	views := make([]BusView, 0, len(buses))
	for _, bus := range buses {
		views = append(views, NewBusView(bus))
	}
	return views
}

// AppendOccupancyLog satisfies ingestion.Store.
func (s *BusService) AppendOccupancyLog(ctx context.Context, entry *models.OccupancyLog) (*models.OccupancyLog, error) {
	return s.logRepo.Append(ctx, entry)
}

// UpsertOccupancy satisfies ingestion.Store.
func (s *BusService) UpsertOccupancy(ctx context.Context, busID, routeID string, count int, at time.Time) (*models.Bus, error) {
	bus, err := s.busRepo.UpsertOccupancy(ctx, busID, routeID, count, at)
	if err != nil {
		return nil, err
	}
	s.refreshCache(ctx, bus)
	return bus, nil
}

// UpdateBusFields satisfies ingestion.Store. It returns models.ErrBusNotFound
// for unknown buses.
func (s *BusService) UpdateBusFields(ctx context.Context, busID string, fields models.BusFields, at time.Time) (*models.Bus, error) {
	bus, err := s.busRepo.UpdateFields(ctx, busID, fields, at)
	if err != nil {
		return nil, err
	}
	s.refreshCache(ctx, bus)
	return bus, nil
}

func (s *BusService) ListBuses(ctx context.Context, filter repository.BusFilter) ([]*models.Bus, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}

	key := listCacheKey(filter)
	fillable := false
	var generation int64
	if s.cacheManager != nil {
		cached, err := s.cacheManager.GetBusList(ctx, key)
		if err == nil && cached != nil {
			return cached, nil
		}
		if err != nil {
			s.logger.WithError(err).Debug("Cache error for ListBuses")
		}

		// must be read before the repository
		generation, err = s.cacheManager.ListGeneration(ctx)
		fillable = err == nil
	}

	buses, err := s.busRepo.FindAll(ctx, filter)
	if err != nil {
		return nil, err
	}

	if fillable {
		ttl := s.cacheConfig.GetTTLForDataType(cache.DataTypeBusList)
		if _, err := s.cacheManager.SetBusListIfCurrent(ctx, key, buses, ttl, generation); err != nil {
			s.logger.WithError(err).Debug("Failed to cache bus list")
		}
	}
	return buses, nil
}

func (s *BusService) GetBus(ctx context.Context, busID string) (*models.Bus, error) {
	if s.cacheManager != nil {
		cached, err := s.cacheManager.GetBus(ctx, busID)
		if err == nil && cached != nil {
			return cached, nil
		}
		if err != nil {
			s.logger.WithError(err).WithField("bus_id", busID).Debug("Cache error for GetBus")
		}
	}

	bus, err := s.busRepo.FindByBusID(ctx, busID)
	if err != nil {
		return nil, err
	}

	s.fillBus(ctx, bus)
	return bus, nil
}

// GetOccupancyHistory returns the newest log entries first. limit <= 0 means
// DefaultHistoryLimit and larger values are capped at MaxHistoryLimit.
func (s *BusService) GetOccupancyHistory(ctx context.Context, busID string, limit int) ([]*models.OccupancyLog, error) {
	if _, err := s.GetBus(ctx, busID); err != nil {
		return nil, err
	}
	return s.logRepo.FindByBusID(ctx, busID, int64(clampLimit(limit)))
}

func (s *BusService) CreateBus(ctx context.Context, req *CreateBusRequest) (*models.Bus, error) {
	req.BusID = strings.TrimSpace(req.BusID)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	bus := models.NewBus(req.BusID, strings.TrimSpace(req.RouteID), s.now())
	if req.Capacity != nil {
		bus.Capacity = *req.Capacity
	}
	if req.Status != "" {
		bus.Status = models.BusStatus(req.Status)
	}
	if req.BatteryLevel != nil {
		bus.BatteryLevel = *req.BatteryLevel
	}

	created, err := s.busRepo.Create(ctx, bus)
	if err != nil {
		return nil, err
	}

	s.invalidateLists(ctx)
	s.cacheBus(ctx, created)
	return created, nil
}

// UpdateBus applies an administrative partial update. It never creates.
func (s *BusService) UpdateBus(ctx context.Context, busID string, req *UpdateBusRequest) (*models.Bus, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	fields := models.BusFields{
		RouteID:      req.RouteID,
		Capacity:     req.Capacity,
		BatteryLevel: req.BatteryLevel,
	}
	if req.Status != nil {
		status := models.BusStatus(*req.Status)
		fields.Status = &status
	}
	if fields.IsEmpty() {
		return nil, ErrNoFields
	}

	return s.UpdateBusFields(ctx, busID, fields, s.now())
}

// ReplaceBus writes a complete record for busID, creating it if needed.
// CreatedAt and, when not supplied, CurrentOccupancy are carried over.
func (s *BusService) ReplaceBus(ctx context.Context, busID string, req *ReplaceBusRequest) (*models.Bus, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	now := s.now()
	bus := models.NewBus(busID, req.RouteID, now)

	existing, err := s.busRepo.FindByBusID(ctx, busID)
	switch {
	case err == nil:
		bus.CreatedAt = existing.CreatedAt
		bus.CurrentOccupancy = existing.CurrentOccupancy
	case !errors.Is(err, models.ErrBusNotFound):
		return nil, err
	}

	bus.Capacity = req.Capacity
	bus.Status = models.BusStatus(req.Status)
	bus.BatteryLevel = req.BatteryLevel
	if req.CurrentOccupancy != nil {
		bus.CurrentOccupancy = *req.CurrentOccupancy
	}

	stored, err := s.busRepo.UpsertBus(ctx, bus)
	if err != nil {
		return nil, err
	}

	s.refreshCache(ctx, stored)
	return stored, nil
}

// refreshCache writes bus through and drops every cached listing, since a
// change to any field can move the bus between filtered lists. Nothing is
// attempted while Redis is known to be down.
func (s *BusService) refreshCache(ctx context.Context, bus *models.Bus) {
	if s.cacheManager == nil {
		return
	}
	s.invalidateLists(ctx)
	s.cacheBus(ctx, bus)
}

func (s *BusService) invalidateLists(ctx context.Context) {
	if s.cacheManager == nil {
		return
	}
	if err := s.cacheManager.InvalidateByTag(ctx, cache.TagBusList); err != nil {
		s.logger.WithError(err).Debug("Failed to invalidate cached bus lists")
	}
}

func (s *BusService) cacheBus(ctx context.Context, bus *models.Bus) {
	if s.cacheManager == nil {
		return
	}
	ttl := s.cacheConfig.GetTTLForDataType(cache.DataTypeBus)
	if err := s.cacheManager.SetBus(ctx, bus, ttl); err != nil {
		s.logger.WithError(err).WithField("bus_id", bus.BusID).Debug("Failed to cache bus")
	}
}

// fillBus caches a bus loaded by a read. An entry written meanwhile by a
// write path is newer and is kept.
func (s *BusService) fillBus(ctx context.Context, bus *models.Bus) {
	if s.cacheManager == nil {
		return
	}
	ttl := s.cacheConfig.GetTTLForDataType(cache.DataTypeBus)
	if _, err := s.cacheManager.SetBusIfAbsent(ctx, bus, ttl); err != nil {
		s.logger.WithError(err).WithField("bus_id", bus.BusID).Debug("Failed to cache bus")
	}
}

func listCacheKey(filter repository.BusFilter) string {
	return fmt.Sprintf("route=%s|status=%s", filter.RouteID, filter.Status)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}
