package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"ibamex-backend/internal/models"
	"ibamex-backend/internal/repository"
	"ibamex-backend/internal/services"
	"ibamex-backend/pkg/utils"

	"github.com/gin-gonic/gin"
)

// BusService is the part of services.BusService the REST surface uses.
type BusService interface {
	ListBuses(ctx context.Context, filter repository.BusFilter) ([]*models.Bus, error)
	GetBus(ctx context.Context, busID string) (*models.Bus, error)
	GetOccupancyHistory(ctx context.Context, busID string, limit int) ([]*models.OccupancyLog, error)
	CreateBus(ctx context.Context, req *services.CreateBusRequest) (*models.Bus, error)
	UpdateBus(ctx context.Context, busID string, req *services.UpdateBusRequest) (*models.Bus, error)
	ReplaceBus(ctx context.Context, busID string, req *services.ReplaceBusRequest) (*models.Bus, error)
}

type BusHandler struct {
	busService BusService
}

func NewBusHandler(busService BusService) *BusHandler {
	return &BusHandler{busService: busService}
}

// GetBuses lists buses, optionally filtered by routeId and status.
func (h *BusHandler) GetBuses(c *gin.Context) {
	filter := repository.BusFilter{
		RouteID: strings.TrimSpace(c.Query("routeId")),
		Status:  models.BusStatus(strings.TrimSpace(c.Query("status"))),
	}

	buses, err := h.busService.ListBuses(c.Request.Context(), filter)
	if err != nil {
		respondError(c, "Failed to retrieve buses", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Buses retrieved successfully", services.NewBusViews(buses))
}

func (h *BusHandler) GetBus(c *gin.Context) {
	bus, err := h.busService.GetBus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to retrieve bus", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Bus retrieved successfully", services.NewBusView(bus))
}

// GetOccupancyHistory returns the newest log entries first.
func (h *BusHandler) GetOccupancyHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			utils.ErrorResponse(c, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	history, err := h.busService.GetOccupancyHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, "Failed to retrieve occupancy history", err)
		return
	}
	if history == nil {
		history = []*models.OccupancyLog{}
	}

	utils.SuccessResponse(c, http.StatusOK, "Occupancy history retrieved successfully", history)
}

func (h *BusHandler) CreateBus(c *gin.Context) {
	var req services.CreateBusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	bus, err := h.busService.CreateBus(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create bus", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Bus created successfully", services.NewBusView(bus))
}

func (h *BusHandler) UpdateBus(c *gin.Context) {
	var req services.UpdateBusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	bus, err := h.busService.UpdateBus(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, "Failed to update bus", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Bus updated successfully", services.NewBusView(bus))
}

func (h *BusHandler) ReplaceBus(c *gin.Context) {
	var req services.ReplaceBusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	bus, err := h.busService.ReplaceBus(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, "Failed to replace bus", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Bus saved successfully", services.NewBusView(bus))
}

func respondError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, models.ErrBusNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "Bus not found", err)
	case errors.Is(err, models.ErrBusExists):
		utils.ErrorResponse(c, http.StatusConflict, "Bus already exists", err)
	case errors.Is(err, services.ErrValidation):
		utils.ValidationErrorResponse(c, err)
	case errors.Is(err, services.ErrNoFields):
		utils.ErrorResponse(c, http.StatusBadRequest, "No fields to update", err)
	default:
		_ = c.Error(err)
		utils.ErrorResponse(c, http.StatusInternalServerError, message, nil)
	}
}
