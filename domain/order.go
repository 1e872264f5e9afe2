package domain

import (
	"encoding/json"
	"time"
)

type OrderStatus string

const (
	OrderReceived  OrderStatus = "RECEIVED"
	OrderPreparing OrderStatus = "PREPARING"
	OrderReady     OrderStatus = "READY"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationCompleted ReservationStatus = "COMPLETED"
)

// Order is the relay's view of a stored order. Items are passed through
// untouched.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Status    OrderStatus     `json:"status"`
	Total     float64         `json:"total"`
	Items     json.RawMessage `json:"items,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Reservation is the relay's view of a stored table reservation.
type Reservation struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Status    ReservationStatus `json:"status"`
	Date      time.Time         `json:"date"`
	PartySize int               `json:"partySize"`
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

const (
	preparingAfter = 5 * time.Minute
	readyAfter     = 20 * time.Minute
)

// PendingOrderStatuses are the statuses the progression scheduler looks at.
var PendingOrderStatuses = []OrderStatus{OrderReceived, OrderPreparing}

// NextOrderStatus reports the automatic transition for an order in status s
// that was created elapsed ago. Only RECEIVED and PREPARING ever advance.
func NextOrderStatus(s OrderStatus, elapsed time.Duration) (OrderStatus, bool) {
	switch {
	case s == OrderReceived && elapsed > preparingAfter:
		return OrderPreparing, true
	case s == OrderPreparing && elapsed > readyAfter:
		return OrderReady, true
	default:
		return "", false
	}
}

// UserRoom names the room a user's connections join.
func UserRoom(userID string) string {
	return "user-" + userID
}

// AdminRoom is shared by every administrator connection.
const AdminRoom = "admin-room"
