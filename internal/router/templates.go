package router

import "github.com/Tarboucha/CommMobile-sub001/pkg/delivery"

// pushTemplate is the title/body pair a push carries for one notification
// type. The live-connection path sends the event's own title and body; the
// push path keeps the lock-screen text short and predictable instead.
type pushTemplate struct {
	title string
	body  string
}

const systemTemplate = "system"

var pushTemplates = map[string]pushTemplate{
	"booking_confirmed": {"Booking confirmed", "Your booking has been confirmed."},
	"booking_cancelled": {"Booking cancelled", "A booking of yours was cancelled."},
	"booking_reminder":  {"Upcoming booking", "You have a booking coming up."},
	"new_message":       {"New message", "You have a new message."},
	"community_invite":  {"Community invite", "You have been invited to a community."},
	"listing_review":    {"New review", "Someone reviewed your listing."},
	systemTemplate:      {"CommMobile", "You have a new notification."},
}

// pushContent picks the templated title/body for the event's type, falling
// back to the generic system template for unrecognized types. A system-typed
// event with its own body keeps that body.
func pushContent(ev delivery.NotificationEvent) (string, string) {
	t, ok := pushTemplates[ev.NotificationType]
	if !ok {
		t = pushTemplates[systemTemplate]
		if ev.Body != "" {
			return t.title, ev.Body
		}
	}
	return t.title, t.body
}
