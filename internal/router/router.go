// Package router turns change events into delivery actions: a room broadcast
// when the recipient has a live connection, a push fallback when not.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// Router holds the per-channel handlers. It is stateless apart from its
// injected collaborators.
type Router struct {
	rooms  delivery.Broadcaster
	push   delivery.PushSender
	logger zerolog.Logger
}

// New creates a router over the given transport and push fallback.
func New(rooms delivery.Broadcaster, push delivery.PushSender, logger zerolog.Logger) (*Router, error) {
	if rooms == nil || push == nil {
		return nil, fmt.Errorf("broadcaster and push sender are required")
	}
	return &Router{
		rooms:  rooms,
		push:   push,
		logger: logger.With().Str("component", "DeliveryRouter").Logger(),
	}, nil
}

// HandleNotification routes one notification event. If the recipient's user
// room has any member the event is broadcast (badge update first, then the
// full notification); otherwise it falls back to a push, templated by
// notification type.
//
// The online check and the chosen action both read room membership at
// handling time. A client that disconnects between check and broadcast gets
// a broadcast to zero sockets, which is acceptable and never corrected.
func (r *Router) HandleNotification(ctx context.Context, payload []byte) error {
	var ev delivery.NotificationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: %w", delivery.ErrMalformedPayload, err)
	}
	if ev.ProfileID == "" {
		return fmt.Errorf("%w: notification event missing profile_id", delivery.ErrMalformedPayload)
	}

	log := r.logger.With().Str("profile", ev.ProfileID).Str("type", ev.NotificationType).Logger()
	room := delivery.UserRoom(ev.ProfileID)

	if r.rooms.RoomSize(room) > 0 {
		log.Debug().Msg("Recipient online, broadcasting notification.")
		r.rooms.BroadcastToRoom(room, delivery.EventBadgeUpdate, delivery.BadgePayload{
			BadgeCount: ev.BadgeCount,
		})
		r.rooms.BroadcastToRoom(room, delivery.EventNotificationNew, delivery.NotificationPayload{
			ID:        ev.NotificationID,
			Type:      ev.NotificationType,
			Title:     ev.Title,
			Body:      ev.Body,
			Data:      ev.DataJSON,
			CreatedAt: ev.CreatedAt,
		})
		return nil
	}

	log.Debug().Msg("Recipient offline, falling back to push.")
	title, body := pushContent(ev)
	if err := r.push.SendToRecipient(ctx, ev.ProfileID, title, body, pushData(ev), ev.BadgeCount); err != nil {
		// Push is fire-and-forget with respect to the triggering event.
		log.Error().Err(err).Msg("Push fallback failed.")
	}
	return nil
}

// HandleMessage routes one chat message event into its conversation room.
// Chat messages have no push fallback: recipients not currently joined to
// the room pick the message up through the ordinary request path.
func (r *Router) HandleMessage(ctx context.Context, payload []byte) error {
	var ev delivery.MessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: %w", delivery.ErrMalformedPayload, err)
	}
	if ev.ConversationID == "" {
		return fmt.Errorf("%w: message event missing conversation_id", delivery.ErrMalformedPayload)
	}

	room := ev.Room()
	r.logger.Debug().Str("room", string(room)).Str("sender", ev.SenderID).Msg("Broadcasting message.")
	r.rooms.BroadcastToRoom(room, delivery.EventMessageNew, ev)
	return nil
}

// pushData assembles the small routing payload attached to a push. The
// event's data_json is flattened in when it decodes as a string map.
func pushData(ev delivery.NotificationEvent) map[string]string {
	data := map[string]string{
		"notification_id":   ev.NotificationID,
		"notification_type": ev.NotificationType,
	}
	if len(ev.DataJSON) > 0 {
		var extra map[string]string
		if err := json.Unmarshal(ev.DataJSON, &extra); err == nil {
			for k, v := range extra {
				data[k] = v
			}
		}
	}
	return data
}
