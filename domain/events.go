package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names.
const (
	JoinUserRoom            = "join-user-room"
	JoinAdminRoom           = "join-admin-room"
	UpdateOrderStatus       = "update-order-status"
	NewOrder                = "new-order"
	UpdateReservationStatus = "update-reservation-status"
	NewReservation          = "new-reservation"
)

// Outbound event names.
const (
	OrderStatusUpdated       = "order-status-updated"
	OrderUpdated             = "order-updated"
	ReservationStatusUpdated = "reservation-status-updated"
	ReservationUpdated       = "reservation-updated"
	NewOrderReceived         = "new-order-received"
	NewReservationReceived   = "new-reservation-received"
	ErrorEvent               = "error"
)

// SystemActor is reported as updatedBy for scheduler transitions.
const SystemActor = "system"

// Frame is the wire envelope for every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ID is a record or identity id as sent by clients. Browsers send both
// strings and numbers; numbers are kept in their literal form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %s", b)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

type JoinUserRoomData struct {
	UserID ID `json:"userId" validate:"required"`
}

type JoinAdminRoomData struct {
	AdminID ID `json:"adminId" validate:"required"`
}

type UpdateOrderStatusData struct {
	OrderID ID          `json:"orderId" validate:"required"`
	Status  OrderStatus `json:"status" validate:"required"`
	AdminID ID          `json:"adminId" validate:"required"`
}

type UpdateReservationStatusData struct {
	ReservationID ID                `json:"reservationId" validate:"required"`
	Status        ReservationStatus `json:"status" validate:"required"`
	AdminID       ID                `json:"adminId" validate:"required"`
}

// Announcement is an announced order or reservation. Any JSON object is
// accepted and forwarded as received; ID is only used for logging.
type Announcement map[string]json.RawMessage

// ID returns the announced record's id, or "" when it is missing or not a
// string or number.
func (a Announcement) ID() string {
	var id ID
	if raw, ok := a["id"]; !ok || json.Unmarshal(raw, &id) != nil {
		return ""
	}
	return id.String()
}

type OrderStatusUpdatedPayload struct {
	OrderID   string      `json:"orderId"`
	Status    OrderStatus `json:"status"`
	Order     Order       `json:"order"`
	Timestamp string      `json:"timestamp"`
	Automatic bool        `json:"automatic,omitempty"`
}

type OrderUpdatedPayload struct {
	OrderID   string      `json:"orderId"`
	Status    OrderStatus `json:"status"`
	Order     Order       `json:"order"`
	UpdatedBy string      `json:"updatedBy"`
	Timestamp string      `json:"timestamp"`
	Automatic bool        `json:"automatic,omitempty"`
}

type ReservationStatusUpdatedPayload struct {
	ReservationID string            `json:"reservationId"`
	Status        ReservationStatus `json:"status"`
	Reservation   Reservation       `json:"reservation"`
	Timestamp     string            `json:"timestamp"`
}

type ReservationUpdatedPayload struct {
	ReservationID string            `json:"reservationId"`
	Status        ReservationStatus `json:"status"`
	Reservation   Reservation       `json:"reservation"`
	UpdatedBy     string            `json:"updatedBy"`
	Timestamp     string            `json:"timestamp"`
}

type NewOrderReceivedPayload struct {
	Order     json.RawMessage `json:"order"`
	Timestamp string          `json:"timestamp"`
}

type NewReservationReceivedPayload struct {
	Reservation json.RawMessage `json:"reservation"`
	Timestamp   string          `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// TimestampLayout matches the millisecond ISO-8601 form browsers produce.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp renders t in UTC using TimestampLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
