package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"ibamex-backend/internal/models"
	"ibamex-backend/internal/repository"
	"ibamex-backend/pkg/cache"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBusRepository struct {
	mock.Mock
}

func (m *MockBusRepository) FindByBusID(ctx context.Context, busID string) (*models.Bus, error) {
	args := m.Called(ctx, busID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bus), args.Error(1)
}

func (m *MockBusRepository) FindAll(ctx context.Context, filter repository.BusFilter) ([]*models.Bus, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Bus), args.Error(1)
}

func (m *MockBusRepository) UpsertOccupancy(ctx context.Context, busID, routeID string, count int, at time.Time) (*models.Bus, error) {
	args := m.Called(ctx, busID, routeID, count, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bus), args.Error(1)
}

func (m *MockBusRepository) UpsertBus(ctx context.Context, bus *models.Bus) (*models.Bus, error) {
	args := m.Called(ctx, bus)
	if fn, ok := args.Get(0).(func(context.Context, *models.Bus) *models.Bus); ok {
		return fn(ctx, bus), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bus), args.Error(1)
}

func (m *MockBusRepository) UpdateFields(ctx context.Context, busID string, fields models.BusFields, at time.Time) (*models.Bus, error) {
	args := m.Called(ctx, busID, fields, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bus), args.Error(1)
}

func (m *MockBusRepository) Create(ctx context.Context, bus *models.Bus) (*models.Bus, error) {
	args := m.Called(ctx, bus)
	if fn, ok := args.Get(0).(func(context.Context, *models.Bus) *models.Bus); ok {
		return fn(ctx, bus), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bus), args.Error(1)
}

type MockOccupancyLogRepository struct {
	mock.Mock
}

func (m *MockOccupancyLogRepository) Append(ctx context.Context, entry *models.OccupancyLog) (*models.OccupancyLog, error) {
	args := m.Called(ctx, entry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.OccupancyLog), args.Error(1)
}

func (m *MockOccupancyLogRepository) FindByBusID(ctx context.Context, busID string, limit int64) ([]*models.OccupancyLog, error) {
	args := m.Called(ctx, busID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.OccupancyLog), args.Error(1)
}

type MockCacheManager struct {
	mock.Mock
}

func (m *MockCacheManager) GetBus(ctx context.Context, busID string) (*models.Bus, error) {
	args := m.Called(ctx, busID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bus), args.Error(1)
}

func (m *MockCacheManager) SetBus(ctx context.Context, bus *models.Bus, ttl time.Duration) error {
	return m.Called(ctx, bus, ttl).Error(0)
}

func (m *MockCacheManager) SetBusIfAbsent(ctx context.Context, bus *models.Bus, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, bus, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockCacheManager) ListGeneration(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCacheManager) SetBusListIfCurrent(ctx context.Context, key string, buses []*models.Bus, ttl time.Duration, generation int64) (bool, error) {
	args := m.Called(ctx, key, buses, ttl, generation)
	return args.Bool(0), args.Error(1)
}

func (m *MockCacheManager) InvalidateBus(ctx context.Context, busID string) error {
	return m.Called(ctx, busID).Error(0)
}

func (m *MockCacheManager) GetBusList(ctx context.Context, key string) ([]*models.Bus, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Bus), args.Error(1)
}

func (m *MockCacheManager) SetBusList(ctx context.Context, key string, buses []*models.Bus, ttl time.Duration) error {
	return m.Called(ctx, key, buses, ttl).Error(0)
}

func (m *MockCacheManager) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	args := m.Called(ctx, key, dest)
	return args.Bool(0), args.Error(1)
}

func (m *MockCacheManager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *MockCacheManager) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockCacheManager) TagKey(ctx context.Context, key string, ttl time.Duration, tags ...string) error {
	return m.Called(ctx, key, ttl, tags).Error(0)
}

func (m *MockCacheManager) InvalidateByTag(ctx context.Context, tag string) error {
	return m.Called(ctx, tag).Error(0)
}

func (m *MockCacheManager) GetCacheStats() cache.CacheStats {
	return m.Called().Get(0).(cache.CacheStats)
}

func (m *MockCacheManager) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var fixedNow = time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*BusService, *MockBusRepository, *MockOccupancyLogRepository) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	busRepo := new(MockBusRepository)
	logRepo := new(MockOccupancyLogRepository)
	service := NewBusService(busRepo, logRepo, logger)
	service.now = func() time.Time { return fixedNow }
	return service, busRepo, logRepo
}

func TestBusService_GetBus_CacheHit(t *testing.T) {
	service, busRepo, _ := newTestService(t)
	mockCache := new(MockCacheManager)
	service.SetCacheManager(mockCache)

	bus := models.NewBus("BUS101", "R1", fixedNow)
	mockCache.On("GetBus", mock.Anything, "BUS101").Return(bus, nil)

	result, err := service.GetBus(context.Background(), "BUS101")

	require.NoError(t, err)
	assert.Equal(t, bus, result)
	mockCache.AssertExpectations(t)
	busRepo.AssertNotCalled(t, "FindByBusID", mock.Anything, mock.Anything)
}

func TestBusService_GetBus_CacheMissPopulates(t *testing.T) {
	service, busRepo, _ := newTestService(t)
	mockCache := new(MockCacheManager)
	service.SetCacheManager(mockCache)

	bus := models.NewBus("BUS101", "R1", fixedNow)
	mockCache.On("GetBus", mock.Anything, "BUS101").Return(nil, nil)
	busRepo.On("FindByBusID", mock.Anything, "BUS101").Return(bus, nil)
	mockCache.On("SetBusIfAbsent", mock.Anything, bus, 30*time.Second).Return(true, nil)

	result, err := service.GetBus(context.Background(), "BUS101")

	require.NoError(t, err)
	assert.Equal(t, bus, result)
	mockCache.AssertExpectations(t)
	busRepo.AssertExpectations(t)
}

func TestBusService_GetBus_CacheErrorFallsBack(t *testing.T) {
	service, busRepo, _ := newTestService(t)
	mockCache := new(MockCacheManager)
	service.SetCacheManager(mockCache)

	bus := models.NewBus("BUS101", "R1", fixedNow)
	mockCache.On("GetBus", mock.Anything, "BUS101").Return(nil, errors.New("connection refused"))
	busRepo.On("FindByBusID", mock.Anything, "BUS101").Return(bus, nil)
	mockCache.On("SetBusIfAbsent", mock.Anything, bus, mock.Anything).Return(false, errors.New("connection refused"))

	result, err := service.GetBus(context.Background(), "BUS101")

	require.NoError(t, err)
	assert.Equal(t, "BUS101", result.BusID)
}

func TestBusService_GetBus_NotFound(t *testing.T) {
	service, busRepo, _ := newTestService(t)
	busRepo.On("FindByBusID", mock.Anything, "GHOST").Return(nil, models.ErrBusNotFound)

	_, err := service.GetBus(context.Background(), "GHOST")
	assert.ErrorIs(t, err, models.ErrBusNotFound)
}

func TestBusService_ListBuses(t *testing.T) {
	service, busRepo, _ := newTestService(t)
	mockCache := new(MockCacheManager)
	service.SetCacheManager(mockCache)

	filter := repository.BusFilter{RouteID: "R1", Status: models.StatusActive}
	buses := []*models.Bus{models.NewBus("BUS1", "R1", fixedNow)}

	mockCache.On("GetBusList", mock.Anything, "route=R1|status=active").Return(nil, nil)
	mockCache.On("ListGeneration", mock.Anything).Return(int64(4), nil)
	busRepo.On("FindAll", mock.Anything, filter).Return(buses, nil)
	mockCache.On("SetBusListIfCurrent", mock.Anything, "route=R1|status=active", buses, 10*time.Second, int64(4)).Return(true, nil)

	result, err := service.ListBuses(context.Background(), filter)

	require.NoError(t, err)
	assert.Len(t, result, 1)
	mockCache.AssertExpectations(t)
}

func TestBusService_ListBuses_NoFillWithoutGeneration(t *testing.T) {
	service, busRepo, _ := newTestService(t)
	mockCache := new(MockCacheManager)
	service.SetCacheManager(mockCache)

	buses := []*models.Bus{models.NewBus("BUS1", "R1", fixedNow)}
	mockCache.On("GetBusList", mock.Anything, "route=|status=").Return(nil, cache.ErrUnavailable)
	mockCache.On("ListGeneration", mock.Anything).Return(int64(0), cache.ErrUnavailable)
	busRepo.On("FindAll", mock.Anything, repository.BusFilter{}).Return(buses, nil)

	result, err := service.ListBuses(context.Background(), repository.BusFilter{})

	require.NoError(t, err)
	assert.Len(t, result, 1)
	mockCache.AssertNotCalled(t, "SetBusListIfCurrent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBusService_ListBuses_InvalidStatus(t *testing.T) {
	service, busRepo, _ := newTestService(t)

	_, err := service.ListBuses(context.Background(), repository.BusFilter{Status: "parked"})

	assert.ErrorIs(t, err, ErrValidation)
	busRepo.AssertNotCalled(t, "FindAll", mock.Anything, mock.Anything)
}

func TestBusService_UpsertOccupancy_RefreshesCache(t *testing.T) {
	service, busRepo, _ := newTestService(t)
	mockCache := new(MockCacheManager)
	service.SetCacheManager(mockCache)

	bus := models.NewBus("BUS101", "R1", fixedNow)
	bus.CurrentOccupancy = 5
	busRepo.On("UpsertOccupancy", mock.Anything, "BUS101", "R1", 5, fixedNow).Return(bus, nil)
	mockCache.On("InvalidateByTag", mock.Anything, cache.TagBusList).Return(nil)
	mockCache.On("SetBus", mock.Anything, bus, 30*time.Second).Return(nil)

	result, err := service.UpsertOccupancy(context.Background(), "BUS101", "R1", 5, fixedNow)

	require.NoError(t, err)
	assert.Equal(t, 5, result.CurrentOccupancy)
	mockCache.AssertExpectations(t)
}

func TestBusService_UpsertOccupancy_Error(t *testing.T) {
	service, busRepo, _ := newTestService(t)
	mockCache := new(MockCacheManager)
	service.SetCacheManager(mockCache)

	busRepo.On("UpsertOccupancy", mock.Anything, "BUS1", "R1", 1, fixedNow).Return(nil, errors.New("timeout"))

	_, err := service.UpsertOccupancy(context.Background(), "BUS1", "R1", 1, fixedNow)

	assert.Error(t, err)
	mockCache.AssertNotCalled(t, "SetBus", mock.Anything, mock.Anything, mock.Anything)
}

func TestBusService_AppendOccupancyLog(t *testing.T) {
	service, _, logRepo := newTestService(t)

	entry := &models.OccupancyLog{BusID: "BUS1", RouteID: "R1", Count: 4, Timestamp: fixedNow}
	logRepo.On("Append", mock.Anything, entry).Return(entry, nil)

	result, err := service.AppendOccupancyLog(context.Background(), entry)

	require.NoError(t, err)
	assert.Equal(t, entry, result)
	logRepo.AssertExpectations(t)
}

func TestBusService_UpdateBusFields_UnknownBus(t *testing.T) {
	service, busRepo, _ := newTestService(t)

	status := models.StatusActive
	fields := models.BusFields{Status: &status}
	busRepo.On("UpdateFields", mock.Anything, "GHOST", fields, fixedNow).Return(nil, models.ErrBusNotFound)

	_, err := service.UpdateBusFields(context.Background(), "GHOST", fields, fixedNow)

	assert.ErrorIs(t, err, models.ErrBusNotFound)
}

func TestBusService_GetOccupancyHistory(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantLimit int64
	}{
		{"default", 0, DefaultHistoryLimit},
		{"custom", 10, 10},
		{"capped", 10000, MaxHistoryLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, busRepo, logRepo := newTestService(t)

			entries := []*models.OccupancyLog{{BusID: "BUS1", Count: 3}}
			busRepo.On("FindByBusID", mock.Anything, "BUS1").Return(models.NewBus("BUS1", "R1", fixedNow), nil)
			logRepo.On("FindByBusID", mock.Anything, "BUS1", tt.wantLimit).Return(entries, nil)

			result, err := service.GetOccupancyHistory(context.Background(), "BUS1", tt.limit)

			require.NoError(t, err)
			assert.Equal(t, entries, result)
			logRepo.AssertExpectations(t)
		})
	}
}

func TestBusService_GetOccupancyHistory_UnknownBus(t *testing.T) {
	service, busRepo, logRepo := newTestService(t)
	busRepo.On("FindByBusID", mock.Anything, "GHOST").Return(nil, models.ErrBusNotFound)

	_, err := service.GetOccupancyHistory(context.Background(), "GHOST", 5)

	assert.ErrorIs(t, err, models.ErrBusNotFound)
	logRepo.AssertNotCalled(t, "FindByBusID", mock.Anything, mock.Anything, mock.Anything)
}

func TestBusService_CreateBus(t *testing.T) {
	service, busRepo, _ := newTestService(t)

	capacity := 60
	req := &CreateBusRequest{BusID: " BUS200 ", RouteID: "R4", Capacity: &capacity, Status: "inactive"}

	busRepo.On("Create", mock.Anything, mock.MatchedBy(func(bus *models.Bus) bool {
		return bus.BusID == "BUS200" &&
			bus.RouteID == "R4" &&
			bus.Capacity == 60 &&
			bus.Status == models.StatusInactive &&
			bus.BatteryLevel == models.DefaultBatteryLevel &&
			bus.CreatedAt.Equal(fixedNow)
	})).Return(func(_ context.Context, bus *models.Bus) *models.Bus { return bus }, nil)

	created, err := service.CreateBus(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "BUS200", created.BusID)
	busRepo.AssertExpectations(t)
}

func TestBusService_CreateBus_Validation(t *testing.T) {
	service, busRepo, _ := newTestService(t)

	zero := 0
	battery := 120.0
	for _, req := range []*CreateBusRequest{
		{BusID: "   "},
		{BusID: "BUS1", Capacity: &zero},
		{BusID: "BUS1", Status: "parked"},
		{BusID: "BUS1", BatteryLevel: &battery},
	} {
		_, err := service.CreateBus(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation)
	}
	busRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestBusService_CreateBus_Duplicate(t *testing.T) {
	service, busRepo, _ := newTestService(t)
	busRepo.On("Create", mock.Anything, mock.Anything).Return(nil, models.ErrBusExists)

	_, err := service.CreateBus(context.Background(), &CreateBusRequest{BusID: "BUS1"})

	assert.ErrorIs(t, err, models.ErrBusExists)
}

func TestBusService_UpdateBus(t *testing.T) {
	service, busRepo, _ := newTestService(t)

	route := "R9"
	capacity := 50
	updated := models.NewBus("BUS1", route, fixedNow)
	updated.Capacity = capacity

	busRepo.On("UpdateFields", mock.Anything, "BUS1", models.BusFields{RouteID: &route, Capacity: &capacity}, fixedNow).Return(updated, nil)

	result, err := service.UpdateBus(context.Background(), "BUS1", &UpdateBusRequest{RouteID: &route, Capacity: &capacity})

	require.NoError(t, err)
	assert.Equal(t, 50, result.Capacity)
	busRepo.AssertExpectations(t)
}

func TestBusService_UpdateBus_Invalid(t *testing.T) {
	service, busRepo, _ := newTestService(t)

	_, err := service.UpdateBus(context.Background(), "BUS1", &UpdateBusRequest{})
	assert.ErrorIs(t, err, ErrNoFields)

	zero := 0
	_, err = service.UpdateBus(context.Background(), "BUS1", &UpdateBusRequest{Capacity: &zero})
	assert.ErrorIs(t, err, ErrValidation)

	empty := ""
	_, err = service.UpdateBus(context.Background(), "BUS1", &UpdateBusRequest{RouteID: &empty})
	assert.ErrorIs(t, err, ErrValidation)

	busRepo.AssertNotCalled(t, "UpdateFields", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBusService_ReplaceBus_KeepsCreatedAtAndOccupancy(t *testing.T) {
	service, busRepo, _ := newTestService(t)

	createdAt := fixedNow.Add(-48 * time.Hour)
	existing := models.NewBus("BUS1", "R1", createdAt)
	existing.CurrentOccupancy = 12

	busRepo.On("FindByBusID", mock.Anything, "BUS1").Return(existing, nil)
	busRepo.On("UpsertBus", mock.Anything, mock.MatchedBy(func(bus *models.Bus) bool {
		return bus.BusID == "BUS1" &&
			bus.RouteID == "R2" &&
			bus.Capacity == 30 &&
			bus.Status == models.StatusMaintenance &&
			bus.BatteryLevel == 20 &&
			bus.CurrentOccupancy == 12 &&
			bus.CreatedAt.Equal(createdAt) &&
			bus.LastUpdated.Equal(fixedNow)
	})).Return(func(_ context.Context, bus *models.Bus) *models.Bus { return bus }, nil)

	result, err := service.ReplaceBus(context.Background(), "BUS1", &ReplaceBusRequest{
		RouteID: "R2", Capacity: 30, Status: "maintenance", BatteryLevel: 20,
	})

	require.NoError(t, err)
	assert.Equal(t, 40, result.OccupancyPercentage())
	busRepo.AssertExpectations(t)
}

func TestBusService_ReplaceBus_Creates(t *testing.T) {
	service, busRepo, _ := newTestService(t)

	busRepo.On("FindByBusID", mock.Anything, "BUS9").Return(nil, models.ErrBusNotFound)
	busRepo.On("UpsertBus", mock.Anything, mock.MatchedBy(func(bus *models.Bus) bool {
		return bus.CreatedAt.Equal(fixedNow) && bus.CurrentOccupancy == 0
	})).Return(func(_ context.Context, bus *models.Bus) *models.Bus { return bus }, nil)

	_, err := service.ReplaceBus(context.Background(), "BUS9", &ReplaceBusRequest{
		RouteID: "R1", Capacity: 40, Status: "active", BatteryLevel: 100,
	})

	require.NoError(t, err)
}

func TestBusService_ReplaceBus_Validation(t *testing.T) {
	service, busRepo, _ := newTestService(t)

	_, err := service.ReplaceBus(context.Background(), "BUS1", &ReplaceBusRequest{RouteID: "R1", Capacity: 40})
	assert.ErrorIs(t, err, ErrValidation)

	crowd := 10001
	_, err = service.ReplaceBus(context.Background(), "BUS1", &ReplaceBusRequest{
		RouteID: "R1", Capacity: 40, Status: "active", CurrentOccupancy: &crowd,
	})
	assert.ErrorIs(t, err, ErrValidation)
	busRepo.AssertNotCalled(t, "UpsertBus", mock.Anything, mock.Anything)
}

func TestNewBusView(t *testing.T) {
	bus := models.NewBus("BUS1", "R1", fixedNow)
	bus.CurrentOccupancy = 30

	view := NewBusView(bus)
	assert.Equal(t, 75, view.OccupancyPercentage)
	assert.Equal(t, "BUS1", view.BusID)

	assert.Len(t, NewBusViews([]*models.Bus{bus, bus}), 2)
	assert.NotNil(t, NewBusViews(nil))
}
