// Package dispatch owns the outbound path: it persists a user-authored
// message optimistically in pending state, composes the marked mail item,
// hands it to the transport, and reconciles the delivery state with the
// transport result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/protocol"
	"github.com/koabula/E-Chat/internal/store"
	"github.com/koabula/E-Chat/internal/transport"
)

// Dispatcher sends chat messages for one local account.
type Dispatcher struct {
	store  store.Store
	sender transport.Sender
	self   string
	logger *zap.Logger
}

// New creates a dispatcher sending as the given local account address.
func New(st store.Store, sender transport.Sender, selfAddr string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		sender: sender,
		self:   protocol.CanonicalAddress(selfAddr),
		logger: logger,
	}
}

// SendMessage persists a pending message for the target contact, sends it
// as a marked mail item, and reconciles the delivery state. The message
// shows up in the conversation before transport completes; on failure it
// stays visible as failed and is only re-sent on an explicit Retry.
func (d *Dispatcher) SendMessage(ctx context.Context, recipient, text string) (*model.Message, error) {
	key := protocol.CanonicalAddress(recipient)
	if key == "" {
		return nil, fmt.Errorf("sending message: invalid recipient %q", recipient)
	}

	now := time.Now()
	msg := model.Message{
		ID:              protocol.NewMessageID(),
		ConversationKey: key,
		Direction:       model.DirectionOutbound,
		Type:            model.TypeText,
		Sender:          d.self,
		Recipient:       key,
		Body:            text,
		SentAt:          now,
		ReceivedAt:      now,
		DeliveryState:   model.DeliveryPending,
		Read:            true,
	}

	// Reference the newest message in the thread so the peer's reply
	// mail can be threaded back into this conversation.
	latest, err := d.store.LatestMessage(ctx, key)
	switch {
	case err == nil:
		msg.ReplyTo = latest.ID
	case errors.Is(err, store.ErrNotFound):
		// First message of a new conversation.
	default:
		return nil, err
	}

	if err := d.store.UpsertMessages(ctx, []model.Message{msg}); err != nil {
		return nil, err
	}

	if err := d.transmit(ctx, msg); err != nil {
		msg.DeliveryState = model.DeliveryFailed
		return &msg, err
	}

	msg.DeliveryState = model.DeliverySent
	return &msg, nil
}

// Retry re-sends a previously failed outbound message after moving it
// back to pending. Retries happen only on explicit user action; the
// dispatcher never re-sends silently, to avoid duplicate sends.
func (d *Dispatcher) Retry(ctx context.Context, messageID string) error {
	msg, err := d.store.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Direction != model.DirectionOutbound {
		return fmt.Errorf("retrying message %s: not an outbound message", messageID)
	}

	if err := d.store.RetryMessage(ctx, messageID); err != nil {
		return err
	}

	return d.transmit(ctx, *msg)
}

// SendPresence broadcasts a status message (online, offline, typing) to a
// contact. Presence is fire-and-forget: it is not persisted locally and a
// failed send is only logged.
func (d *Dispatcher) SendPresence(ctx context.Context, recipient, statusType string) error {
	key := protocol.CanonicalAddress(recipient)
	if key == "" {
		return fmt.Errorf("sending presence: invalid recipient %q", recipient)
	}

	now := time.Now()
	msg := model.Message{
		ID:        protocol.NewMessageID(),
		Type:      model.TypeStatus,
		Sender:    d.self,
		Recipient: key,
		Body:      statusType,
		SentAt:    now,
	}

	item, err := protocol.BuildMail(msg)
	if err != nil {
		return err
	}
	return d.sender.Send(ctx, item)
}

// transmit composes and sends the mail item for a persisted message, then
// reconciles the store with the transport result.
func (d *Dispatcher) transmit(ctx context.Context, msg model.Message) error {
	item, err := protocol.BuildMail(msg)
	if err != nil {
		d.reconcile(ctx, msg, model.DeliveryFailed)
		return err
	}

	if err := d.sender.Send(ctx, item); err != nil {
		d.reconcile(ctx, msg, model.DeliveryFailed)
		d.logger.Warn("send failed",
			zap.String("message_id", msg.ID),
			zap.String("recipient", msg.Recipient),
			zap.Error(err),
		)
		return err
	}

	d.reconcile(ctx, msg, model.DeliverySent)
	return nil
}

// reconcile records the transport outcome on the already-persisted
// message. The upsert merge applies it as a forward state move.
func (d *Dispatcher) reconcile(ctx context.Context, msg model.Message, state model.DeliveryState) {
	msg.DeliveryState = state
	if err := d.store.UpsertMessages(ctx, []model.Message{msg}); err != nil {
		d.logger.Error("reconciling delivery state failed",
			zap.String("message_id", msg.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}
