package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"order-relay/domain"
)

// Storage is the table-backed record store for orders and reservations.
// Records use their id as both partition and row key.
type Storage struct {
	orders       *aztables.Client
	reservations *aztables.Client
	transport    *http.Client
	now          func() time.Time
}

// New creates a Storage instance from the given connection string.
func New(connStr, ordersTable, reservationsTable string) (*Storage, error) {
	transport := &http.Client{Timeout: time.Minute}
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transport,
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{
		orders:       svc.NewClient(ordersTable),
		reservations: svc.NewClient(reservationsTable),
		transport:    transport,
		now:          time.Now,
	}, nil
}

// Close releases pooled connections held by the table clients.
func (s *Storage) Close() {
	s.transport.CloseIdleConnections()
}

type orderEntity struct {
	aztables.Entity
	UserID    string    `json:"UserId"`
	Status    string    `json:"Status"`
	Total     float64   `json:"Total"`
	Items     string    `json:"Items"`
	Notes     string    `json:"Notes"`
	CreatedAt time.Time `json:"CreatedAt"`
	UpdatedAt time.Time `json:"UpdatedAt"`
}

type reservationEntity struct {
	aztables.Entity
	UserID    string    `json:"UserId"`
	Status    string    `json:"Status"`
	Date      time.Time `json:"Date"`
	PartySize int       `json:"PartySize"`
	Notes     string    `json:"Notes"`
	CreatedAt time.Time `json:"CreatedAt"`
	UpdatedAt time.Time `json:"UpdatedAt"`
}

func decodeOrder(data []byte) (domain.Order, error) {
	var ent orderEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Order{}, err
	}
	o := domain.Order{
		ID:        ent.RowKey,
		UserID:    ent.UserID,
		Status:    domain.OrderStatus(ent.Status),
		Total:     ent.Total,
		Notes:     ent.Notes,
		CreatedAt: ent.CreatedAt,
		UpdatedAt: ent.UpdatedAt,
	}
	if ent.Items != "" && json.Valid([]byte(ent.Items)) {
		o.Items = json.RawMessage(ent.Items)
	}
	return o, nil
}

func decodeReservation(data []byte) (domain.Reservation, error) {
	var ent reservationEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Reservation{}, err
	}
	return domain.Reservation{
		ID:        ent.RowKey,
		UserID:    ent.UserID,
		Status:    domain.ReservationStatus(ent.Status),
		Date:      ent.Date,
		PartySize: ent.PartySize,
		Notes:     ent.Notes,
		CreatedAt: ent.CreatedAt,
		UpdatedAt: ent.UpdatedAt,
	}, nil
}

// statusUpdate merges a new status into an existing entity. Only the fields
// named here are touched.
func statusUpdate(id, status string, at time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"PartitionKey":         id,
		"RowKey":               id,
		"Status":               status,
		"UpdatedAt":            at.UTC().Format(time.RFC3339Nano),
		"UpdatedAt@odata.type": "Edm.DateTime",
	})
}

// UpdateOrderStatus sets the status of order id and returns the updated record.
func (s *Storage) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error) {
	const op = "update order status"
	resp, err := s.orders.GetEntity(ctx, id, id, nil)
	if err != nil {
		return domain.Order{}, classify(op, id, err)
	}
	order, err := decodeOrder(resp.Value)
	if err != nil {
		return domain.Order{}, &domain.StoreError{Op: op, ID: id, Err: err}
	}
	at := s.now()
	if err := s.merge(ctx, s.orders, resp.ETag, id, string(status), at); err != nil {
		return domain.Order{}, classify(op, id, err)
	}
	order.Status = status
	order.UpdatedAt = at.UTC()
	return order, nil
}

// UpdateReservationStatus sets the status of reservation id and returns the
// updated record.
func (s *Storage) UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus) (domain.Reservation, error) {
	const op = "update reservation status"
	resp, err := s.reservations.GetEntity(ctx, id, id, nil)
	if err != nil {
		return domain.Reservation{}, classify(op, id, err)
	}
	res, err := decodeReservation(resp.Value)
	if err != nil {
		return domain.Reservation{}, &domain.StoreError{Op: op, ID: id, Err: err}
	}
	at := s.now()
	if err := s.merge(ctx, s.reservations, resp.ETag, id, string(status), at); err != nil {
		return domain.Reservation{}, classify(op, id, err)
	}
	res.Status = status
	res.UpdatedAt = at.UTC()
	return res, nil
}

func (s *Storage) merge(ctx context.Context, table *aztables.Client, etag azcore.ETag, id, status string, at time.Time) error {
	payload, err := statusUpdate(id, status, at)
	if err != nil {
		return err
	}
	_, err = table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
	return err
}

// FindOrders lists orders in one of statuses created at or after createdAfter.
func (s *Storage) FindOrders(ctx context.Context, statuses []domain.OrderStatus, createdAfter time.Time) ([]domain.Order, error) {
	filter := ordersFilter(statuses, createdAfter)
	pager := s.orders.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	orders := []domain.Order{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, &domain.StoreError{Op: "find orders", Err: err}
		}
		for _, e := range resp.Entities {
			o, err := decodeOrder(e)
			if err != nil {
				return nil, &domain.StoreError{Op: "find orders", Err: err}
			}
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func ordersFilter(statuses []domain.OrderStatus, createdAfter time.Time) string {
	since := "CreatedAt ge datetime'" + createdAfter.UTC().Format(time.RFC3339) + "'"
	if len(statuses) == 0 {
		return since
	}
	clauses := make([]string, 0, len(statuses))
	for _, st := range statuses {
		clauses = append(clauses, "Status eq '"+strings.ReplaceAll(string(st), "'", "''")+"'")
	}
	return "(" + strings.Join(clauses, " or ") + ") and " + since
}

func classify(op, id string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return &domain.StoreError{Op: op, ID: id, Err: domain.ErrNotFound}
	}
	return &domain.StoreError{Op: op, ID: id, Err: err}
}
