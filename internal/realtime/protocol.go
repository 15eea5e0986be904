package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalix/driver/internal/model"
)

// Event names on the wire
const (
	EventTripOffer          = "trip_offer"
	EventTripAssigned       = "trip_assigned"
	EventTripOfferResult    = "trip_offer_result"
	EventTripOfferCancelled = "trip_offer_cancelled"
	EventTripOfferAccept    = "trip_offer_accept"
)

// Envelope is the JSON text frame exchanged in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload under the given event name
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("realtime: encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Event is an inbound frame delivered to subscribers
type Event struct {
	Name       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the event payload into v
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("realtime: decode %s: %w", e.Name, err)
	}
	return nil
}

// TripRef is the trip stub embedded in offers
type TripRef struct {
	ID string `json:"id"`
}

// OfferPayload is the body of trip_offer
type OfferPayload struct {
	OfferID   string    `json:"offerId"`
	Trip      TripRef   `json:"trip"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Offer converts the payload into a TripOffer stamped with receivedAt
func (p OfferPayload) Offer(receivedAt time.Time) model.TripOffer {
	return model.TripOffer{
		OfferID:    p.OfferID,
		TripID:     p.Trip.ID,
		ExpiresAt:  p.ExpiresAt.UTC(),
		ReceivedAt: receivedAt.UTC(),
	}
}

// AssignedPayload is the body of trip_assigned
type AssignedPayload struct {
	TripID string `json:"tripId"`
}

// ResultPayload is the body of trip_offer_result and trip_offer_cancelled
type ResultPayload struct {
	OfferID string             `json:"offerId"`
	Result  model.OfferOutcome `json:"result"`
	Reason  string             `json:"reason,omitempty"`
}

// AcceptPayload is the body of the outbound trip_offer_accept
type AcceptPayload struct {
	OfferID string `json:"offerId"`
}
