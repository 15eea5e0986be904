package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/driver/internal/auth"
	"github.com/signalix/driver/internal/dispatch"
	"github.com/signalix/driver/internal/middleware"
	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/repo"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeAuth struct {
	loginErr   error
	refreshErr error
	logoutErr  error
	gotToken   string
}

func (f *fakeAuth) DevLogin(_ context.Context, phone string) (model.Driver, model.TokenPair, error) {
	if f.loginErr != nil {
		return model.Driver{}, model.TokenPair{}, f.loginErr
	}
	return model.Driver{ID: uuid.New(), PhoneNumber: phone}, model.TokenPair{AccessToken: "a1", RefreshToken: "r1"}, nil
}

func (f *fakeAuth) RefreshTokens(_ context.Context, token string) (model.TokenPair, error) {
	f.gotToken = token
	if f.refreshErr != nil {
		return model.TokenPair{}, f.refreshErr
	}
	return model.TokenPair{AccessToken: "a2", RefreshToken: "r2"}, nil
}

func (f *fakeAuth) Logout(_ context.Context, token string) error {
	f.gotToken = token
	return f.logoutErr
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body)))
	return rec
}

func TestHandleDevLogin(t *testing.T) {
	h := NewAuthHandler(&fakeAuth{}, discard)

	rec := post(h.HandleDevLogin, `{"phoneNumber":"+4915100000001"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accessToken":"a1","refreshToken":"r1","tokenType":"bearer"}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, post(h.HandleDevLogin, `{`).Code)

	h = NewAuthHandler(&fakeAuth{loginErr: auth.ErrInvalidPhone}, discard)
	assert.Equal(t, http.StatusBadRequest, post(h.HandleDevLogin, `{"phoneNumber":""}`).Code)

	h = NewAuthHandler(&fakeAuth{loginErr: errors.New("db down")}, discard)
	assert.Equal(t, http.StatusInternalServerError, post(h.HandleDevLogin, `{"phoneNumber":"+49"}`).Code)
}

func TestHandleRefresh(t *testing.T) {
	fa := &fakeAuth{}
	h := NewAuthHandler(fa, discard)

	rec := post(h.HandleRefresh, `{"refreshToken":" r1 "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", fa.gotToken)
	assert.JSONEq(t, `{"accessToken":"a2","refreshToken":"r2","tokenType":"bearer"}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, post(h.HandleRefresh, `{"refreshToken":""}`).Code)

	tests := []struct {
		err  error
		code int
		msg  string
	}{
		{auth.ErrRefreshTokenReuseDetected, http.StatusUnauthorized, "refresh_token_reuse_detected"},
		{auth.ErrInvalidRefreshToken, http.StatusUnauthorized, "invalid or expired refresh token"},
		{errors.New("boom"), http.StatusInternalServerError, "refresh failed"},
	}
	for _, tt := range tests {
		h := NewAuthHandler(&fakeAuth{refreshErr: tt.err}, discard)
		rec := post(h.HandleRefresh, `{"refreshToken":"x"}`)
		assert.Equal(t, tt.code, rec.Code)
		assert.Contains(t, rec.Body.String(), tt.msg)
	}
}

func TestHandleLogout(t *testing.T) {
	h := NewAuthHandler(&fakeAuth{}, discard)
	assert.Equal(t, http.StatusOK, post(h.HandleLogout, `{"refreshToken":"r1"}`).Code)

	h = NewAuthHandler(&fakeAuth{logoutErr: auth.ErrInvalidRefreshToken}, discard)
	assert.Equal(t, http.StatusUnauthorized, post(h.HandleLogout, `{"refreshToken":"r1"}`).Code)
}

func TestHandleMe(t *testing.T) {
	h := NewAuthHandler(&fakeAuth{}, discard)
	d := &model.Driver{ID: uuid.New(), PhoneNumber: "+49123"}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	h.HandleMe(rec, req.WithContext(middleware.WithDriver(req.Context(), d)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"`+d.ID.String()+`","phoneNumber":"+49123"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.HandleMe(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "+4*******89", maskPhone("+4915100089"))
	assert.Equal(t, "****", maskPhone("+491"))
}

type fakeDispatch struct {
	offer  model.Offer
	trip   model.Trip
	err    error
	gotIDs []uuid.UUID
	gotBy  uuid.UUID
}

func (f *fakeDispatch) CreateTrip(_ context.Context, ids []uuid.UUID) (model.Trip, []model.Offer, error) {
	f.gotIDs = ids
	if len(ids) == 0 {
		return model.Trip{}, nil, dispatch.ErrNoDrivers
	}
	return f.trip, []model.Offer{f.offer}, f.err
}

func (f *fakeDispatch) Accept(_ context.Context, _, driverID uuid.UUID) (model.Offer, error) {
	f.gotBy = driverID
	return f.offer, f.err
}

func (f *fakeDispatch) Reject(_ context.Context, _, driverID uuid.UUID) (model.Offer, error) {
	f.gotBy = driverID
	return f.offer, f.err
}

func (f *fakeDispatch) GetTrip(context.Context, uuid.UUID) (model.Trip, error) {
	return f.trip, f.err
}

func tripRouter(h *TripHandler, driver *model.Driver) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if driver != nil {
				req = req.WithContext(middleware.WithDriver(req.Context(), driver))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/trips/{id}", h.HandleGetTrip)
	r.Post("/trip-offers/{id}/accept", h.HandleAccept)
	r.Post("/trip-offers/{id}/reject", h.HandleReject)
	r.Post("/dev/trips", h.HandleCreateTrip)
	return r
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
	return rec
}

func TestHandleAcceptReject(t *testing.T) {
	driver := &model.Driver{ID: uuid.New()}
	offerID := uuid.New()
	fd := &fakeDispatch{offer: model.Offer{ID: offerID, Status: model.OfferStatusAccepted}}
	r := tripRouter(NewTripHandler(fd, nil, discard), driver)

	rec := serve(r, http.MethodPost, "/trip-offers/"+offerID.String()+"/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"`+offerID.String()+`","status":"ACCEPTED"}`, rec.Body.String())
	assert.Equal(t, driver.ID, fd.gotBy)

	fd.offer.Status = model.OfferStatusRejected
	rec = serve(r, http.MethodPost, "/trip-offers/"+offerID.String()+"/reject", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"REJECTED"`)

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/trip-offers/nope/accept", "").Code)

	fd.err = repo.ErrNotFound
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/trip-offers/"+offerID.String()+"/accept", "").Code)

	fd.err = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, serve(r, http.MethodPost, "/trip-offers/"+offerID.String()+"/accept", "").Code)
}

func TestHandleAccept_Unauthenticated(t *testing.T) {
	r := tripRouter(NewTripHandler(&fakeDispatch{}, nil, discard), nil)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/trip-offers/"+uuid.NewString()+"/accept", "").Code)
}

func TestHandleGetTrip(t *testing.T) {
	d := "driver-1"
	trip := model.Trip{ID: uuid.NewString(), Status: model.TripStatusAssigned, DriverID: &d, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := tripRouter(NewTripHandler(&fakeDispatch{trip: trip}, nil, discard), &model.Driver{ID: uuid.New()})

	rec := serve(r, http.MethodGet, "/trips/"+trip.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Trip
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, trip, got)
}

func TestHandleCreateTrip(t *testing.T) {
	a := uuid.New()
	fd := &fakeDispatch{
		trip:  model.Trip{ID: uuid.NewString(), Status: model.TripStatusOffered},
		offer: model.Offer{ID: uuid.New(), DriverID: a, Status: model.OfferStatusOffered},
	}
	r := tripRouter(NewTripHandler(fd, nil, discard), nil)

	rec := serve(r, http.MethodPost, "/dev/trips", `{"driverIds":["`+a.String()+`"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []uuid.UUID{a}, fd.gotIDs)
	var resp createTripResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Offers, 1)
	assert.Equal(t, a.String(), resp.Offers[0].DriverID)

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/dev/trips", `{"driverIds":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/dev/trips", `{"driverIds":["x"]}`).Code)
}
