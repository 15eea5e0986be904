package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalix/driver/internal/dispatch"
	"github.com/signalix/driver/internal/middleware"
	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/repo"
)

// Dispatcher is the part of dispatch.Service the handlers use
type Dispatcher interface {
	CreateTrip(ctx context.Context, driverIDs []uuid.UUID) (model.Trip, []model.Offer, error)
	Accept(ctx context.Context, offerID, driverID uuid.UUID) (model.Offer, error)
	Reject(ctx context.Context, offerID, driverID uuid.UUID) (model.Offer, error)
	GetTrip(ctx context.Context, tripID uuid.UUID) (model.Trip, error)
}

// SocketServer upgrades an authenticated request to the realtime channel
type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, driverID uuid.UUID)
}

// TripHandler serves trips, offers and the realtime endpoint
type TripHandler struct {
	dispatch Dispatcher
	sockets  SocketServer
	log      *slog.Logger
}

// NewTripHandler creates a trip handler
func NewTripHandler(d Dispatcher, sockets SocketServer, log *slog.Logger) *TripHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TripHandler{dispatch: d, sockets: sockets, log: log}
}

// offerStatusResponse is returned by accept and reject
type offerStatusResponse struct {
	ID     string            `json:"id"`
	Status model.OfferStatus `json:"status"`
}

type createTripRequest struct {
	DriverIDs []string `json:"driverIds"`
}

type offerResponse struct {
	ID        string            `json:"id"`
	DriverID  string            `json:"driverId"`
	Status    model.OfferStatus `json:"status"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

type createTripResponse struct {
	Trip   model.Trip      `json:"trip"`
	Offers []offerResponse `json:"offers"`
}

// HandleGetTrip handles GET /trips/{id}
func (h *TripHandler) HandleGetTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "trip")
	if !ok {
		return
	}
	trip, err := h.dispatch.GetTrip(r.Context(), id)
	if err != nil {
		h.fail(w, "get_trip_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

// HandleAccept handles POST /trip-offers/{id}/accept
func (h *TripHandler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.dispatch.Accept, "accept_failed")
}

// HandleReject handles POST /trip-offers/{id}/reject
func (h *TripHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.dispatch.Reject, "reject_failed")
}

func (h *TripHandler) resolve(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, uuid.UUID) (model.Offer, error), failMsg string) {
	driverID, ok := middleware.GetDriverID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	offerID, ok := pathUUID(w, r, "offer")
	if !ok {
		return
	}
	offer, err := op(r.Context(), offerID, driverID)
	if err != nil {
		h.fail(w, failMsg, err)
		return
	}
	respondJSON(w, http.StatusOK, offerStatusResponse{ID: offer.ID.String(), Status: offer.Status})
}

// HandleCreateTrip handles POST /dev/trips
func (h *TripHandler) HandleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ids := make([]uuid.UUID, 0, len(req.DriverIDs))
	for _, s := range req.DriverIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid driver id: "+s)
			return
		}
		ids = append(ids, id)
	}

	trip, offers, err := h.dispatch.CreateTrip(r.Context(), ids)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoDrivers) {
			respondWithError(w, http.StatusBadRequest, "driverIds is required")
			return
		}
		h.fail(w, "create_trip_failed", err)
		return
	}

	resp := createTripResponse{Trip: trip, Offers: make([]offerResponse, 0, len(offers))}
	for _, o := range offers {
		resp.Offers = append(resp.Offers, offerResponse{
			ID:        o.ID.String(),
			DriverID:  o.DriverID.String(),
			Status:    o.Status,
			ExpiresAt: o.ExpiresAt,
		})
	}
	respondJSON(w, http.StatusCreated, resp)
}

// HandleRealtime handles GET /realtime
func (h *TripHandler) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetDriverID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.sockets.ServeWS(w, r, driverID)
}

func (h *TripHandler) fail(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.Error(msg, slog.String("err", err.Error()))
	respondWithError(w, http.StatusInternalServerError, "internal error")
}

func pathUUID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, what+" not found")
		return uuid.Nil, false
	}
	return id, true
}
