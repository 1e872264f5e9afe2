package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"order-relay/domain"
	"order-relay/membership"
)

const tracerName = "order-relay/relay"

// Store updates records on behalf of client requests.
type Store interface {
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error)
	UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus) (domain.Reservation, error)
}

// ErrUnknownAnnouncement is returned by Announce for events other than
// new-order and new-reservation.
var ErrUnknownAnnouncement = errors.New("unknown announcement")

var validate = validator.New()

// Relay dispatches inbound client events and fans notifications out to rooms.
type Relay struct {
	members *membership.Registry
	store   Store
	logger  *log.Logger
	now     func() time.Time
}

func New(members *membership.Registry, store Store, logger *log.Logger) *Relay {
	if members == nil {
		panic("relay.New: registry is nil")
	}
	if logger == nil {
		panic("relay.New: logger is nil")
	}
	return &Relay{members: members, store: store, logger: logger, now: time.Now}
}

func (r *Relay) Connect(c membership.Conn) {
	r.logger.WithField("connection", c.ID()).Info("client connected")
}

// Disconnect drops every membership the connection held. Frames still being
// handled for it complete normally; their replies are discarded by the
// closed connection.
func (r *Relay) Disconnect(c membership.Conn) {
	if id, ok := r.members.Leave(c.ID()); ok {
		r.logger.WithFields(log.Fields{"connection": c.ID(), "identity": id}).Info("identity disconnected")
		return
	}
	r.logger.WithField("connection", c.ID()).Info("client disconnected")
}

// Handle decodes one websocket frame from c and dispatches it.
func (r *Relay) Handle(ctx context.Context, c membership.Conn, msg []byte) {
	var f domain.Frame
	if err := sonic.ConfigStd.Unmarshal(msg, &f); err != nil || f.Event == "" {
		r.logger.WithField("connection", c.ID()).WithError(err).Warn("dropping malformed frame")
		r.reply(c, "Invalid frame")
		return
	}
	r.Dispatch(ctx, c, f.Event, f.Data)
}

// Dispatch runs the handler registered for event.
func (r *Relay) Dispatch(ctx context.Context, c membership.Conn, event string, data json.RawMessage) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.dispatch", trace.WithAttributes(
		attribute.String("relay.connection", c.ID()),
		attribute.String("relay.event", event),
	))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithFields(log.Fields{"connection": c.ID(), "event": event}).Errorf("handler panic: %v", p)
			span.SetStatus(codes.Error, "panic")
		}
	}()

	var err error
	switch event {
	case domain.JoinUserRoom:
		err = r.joinUserRoom(c, data)
	case domain.JoinAdminRoom:
		err = r.joinAdminRoom(c, data)
	case domain.UpdateOrderStatus:
		err = r.updateOrderStatus(ctx, c, data)
	case domain.UpdateReservationStatus:
		err = r.updateReservationStatus(ctx, c, data)
	case domain.NewOrder, domain.NewReservation:
		// Announcers are not told about rejected payloads.
		if err = r.announce(event, data, c.ID()); err != nil {
			r.logger.WithError(err).WithFields(log.Fields{"connection": c.ID(), "event": event}).Warn("dropping announcement")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return
	default:
		r.logger.WithFields(log.Fields{"connection": c.ID(), "event": event}).Debug("ignoring unknown event")
		return
	}
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		r.logger.WithFields(log.Fields{"connection": c.ID(), "event": event}).WithError(err).Warn("invalid payload")
		r.reply(c, fmt.Sprintf("Invalid %s payload", event))
	}
}

func (r *Relay) joinUserRoom(c membership.Conn, data json.RawMessage) error {
	in, err := decodeJoin(domain.JoinUserRoom, data, func(id domain.ID) domain.JoinUserRoomData {
		return domain.JoinUserRoomData{UserID: id}
	})
	if err != nil {
		return err
	}
	r.members.JoinUserRoom(c, in.UserID.String())
	r.logger.WithFields(log.Fields{"connection": c.ID(), "user": in.UserID}).Info("user joined their room")
	return nil
}

func (r *Relay) joinAdminRoom(c membership.Conn, data json.RawMessage) error {
	in, err := decodeJoin(domain.JoinAdminRoom, data, func(id domain.ID) domain.JoinAdminRoomData {
		return domain.JoinAdminRoomData{AdminID: id}
	})
	if err != nil {
		return err
	}
	r.members.JoinAdminRoom(c, in.AdminID.String())
	r.logger.WithFields(log.Fields{"connection": c.ID(), "admin": in.AdminID}).Info("admin joined admin room")
	return nil
}

func (r *Relay) updateOrderStatus(ctx context.Context, c membership.Conn, data json.RawMessage) error {
	in, err := decode[domain.UpdateOrderStatusData](domain.UpdateOrderStatus, data)
	if err != nil {
		return err
	}
	order, err := r.store.UpdateOrderStatus(ctx, in.OrderID.String(), in.Status)
	if err != nil {
		r.logger.WithError(err).WithFields(log.Fields{"order": in.OrderID, "status": in.Status}).Error("error updating order status")
		r.reply(c, "Failed to update order status")
		return err
	}
	r.broadcastOrder(order, in.AdminID.String(), false, c.ID())
	r.logger.WithFields(log.Fields{"order": in.OrderID, "status": in.Status, "admin": in.AdminID}).Info("order status updated")
	return nil
}

func (r *Relay) updateReservationStatus(ctx context.Context, c membership.Conn, data json.RawMessage) error {
	in, err := decode[domain.UpdateReservationStatusData](domain.UpdateReservationStatus, data)
	if err != nil {
		return err
	}
	res, err := r.store.UpdateReservationStatus(ctx, in.ReservationID.String(), in.Status)
	if err != nil {
		r.logger.WithError(err).WithFields(log.Fields{"reservation": in.ReservationID, "status": in.Status}).Error("error updating reservation status")
		r.reply(c, "Failed to update reservation status")
		return err
	}

	r.emit(domain.UserRoom(res.UserID), c.ID(), domain.ReservationStatusUpdated, domain.ReservationStatusUpdatedPayload{
		ReservationID: res.ID,
		Status:        res.Status,
		Reservation:   res,
		Timestamp:     domain.Timestamp(r.now()),
	})
	r.emit(domain.AdminRoom, c.ID(), domain.ReservationUpdated, domain.ReservationUpdatedPayload{
		ReservationID: res.ID,
		Status:        res.Status,
		Reservation:   res,
		UpdatedBy:     in.AdminID.String(),
		Timestamp:     domain.Timestamp(r.now()),
	})
	r.logger.WithFields(log.Fields{"reservation": in.ReservationID, "status": in.Status, "admin": in.AdminID}).Info("reservation status updated")
	return nil
}

// PublishOrderStatus notifies the order's owner and every admin that the
// order changed. It is used for changes that did not come from a client.
func (r *Relay) PublishOrderStatus(ctx context.Context, order domain.Order, updatedBy string, automatic bool) {
	_, span := otel.Tracer(tracerName).Start(ctx, "relay.publish-order-status", trace.WithAttributes(
		attribute.String("relay.order", order.ID),
		attribute.String("relay.status", string(order.Status)),
		attribute.Bool("relay.automatic", automatic),
	))
	defer span.End()
	r.broadcastOrder(order, updatedBy, automatic, "")
}

// Announce forwards a new-order or new-reservation announcement to the admin
// room on behalf of a non-websocket publisher.
func (r *Relay) Announce(ctx context.Context, event string, data json.RawMessage) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "relay.announce", trace.WithAttributes(
		attribute.String("relay.event", event),
	))
	defer span.End()
	if err := r.announce(event, data, ""); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *Relay) announce(event string, data json.RawMessage, except string) error {
	if event != domain.NewOrder && event != domain.NewReservation {
		return fmt.Errorf("%w: %s", ErrUnknownAnnouncement, event)
	}
	var in domain.Announcement
	if err := sonic.ConfigStd.Unmarshal(data, &in); err != nil || in == nil {
		return &domain.ValidationError{Event: event, Err: errors.New("announcement must be a JSON object")}
	}
	switch event {
	case domain.NewOrder:
		r.emit(domain.AdminRoom, except, domain.NewOrderReceived, domain.NewOrderReceivedPayload{
			Order:     data,
			Timestamp: domain.Timestamp(r.now()),
		})
		r.logger.WithField("order", in.ID()).Info("new order received")
	case domain.NewReservation:
		r.emit(domain.AdminRoom, except, domain.NewReservationReceived, domain.NewReservationReceivedPayload{
			Reservation: data,
			Timestamp:   domain.Timestamp(r.now()),
		})
		r.logger.WithField("reservation", in.ID()).Info("new reservation received")
	}
	return nil
}

func (r *Relay) broadcastOrder(order domain.Order, updatedBy string, automatic bool, except string) {
	r.emit(domain.UserRoom(order.UserID), except, domain.OrderStatusUpdated, domain.OrderStatusUpdatedPayload{
		OrderID:   order.ID,
		Status:    order.Status,
		Order:     order,
		Timestamp: domain.Timestamp(r.now()),
		Automatic: automatic,
	})
	r.emit(domain.AdminRoom, except, domain.OrderUpdated, domain.OrderUpdatedPayload{
		OrderID:   order.ID,
		Status:    order.Status,
		Order:     order,
		UpdatedBy: updatedBy,
		Timestamp: domain.Timestamp(r.now()),
		Automatic: automatic,
	})
}

// emit sends event to every member of room except the connection with id
// except. Delivery failures are not reported.
func (r *Relay) emit(room, except, event string, payload any) {
	msg, err := encode(event, payload)
	if err != nil {
		r.logger.WithError(err).WithField("event", event).Error("unable to encode event")
		return
	}
	targets := lo.Filter(r.members.Members(room), func(m membership.Conn, _ int) bool {
		return m.ID() != except
	})
	delivered := 0
	for _, m := range targets {
		if m.Send(msg) {
			delivered++
		}
	}
	r.logger.WithFields(log.Fields{
		"room":      room,
		"event":     event,
		"targets":   len(targets),
		"delivered": delivered,
	}).Debug("broadcast")
}

func (r *Relay) reply(c membership.Conn, message string) {
	msg, err := encode(domain.ErrorEvent, domain.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.Send(msg)
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, payload any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(outFrame{Event: event, Data: payload})
}

func decode[T any](event string, data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, &domain.ValidationError{Event: event, Err: errors.New("missing data")}
	}
	if err := sonic.ConfigStd.Unmarshal(data, &v); err != nil {
		return v, &domain.ValidationError{Event: event, Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return v, &domain.ValidationError{Event: event, Err: err}
	}
	return v, nil
}

// decodeJoin accepts the bare id browsers send as well as the object form.
func decodeJoin[T any](event string, data json.RawMessage, fromID func(domain.ID) T) (T, error) {
	var id domain.ID
	if err := sonic.ConfigStd.Unmarshal(data, &id); err == nil {
		v := fromID(id)
		if err := validate.Struct(v); err != nil {
			return v, &domain.ValidationError{Event: event, Err: err}
		}
		return v, nil
	}
	return decode[T](event, data)
}
