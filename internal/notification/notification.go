// Package notification persists user and role notifications and fans them out to
// live subscribers. The stored row is the delivery guarantee; the broadcast is a
// best-effort push on top of it.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
)

const (
	userChannelPrefix = "notifications.user."
	// RolesChannel carries every role-addressed notification; subscribers filter by membership.
	RolesChannel = "notifications.roles"
)

func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// ChannelFor is the channel a notification is broadcast on.
func ChannelFor(n *notification.Notification) string {
	if n.DestinationType == notification.DestinationUser && n.DestinationUserID != nil {
		return UserChannel(*n.DestinationUserID)
	}
	return RolesChannel
}

type Repository interface {
	Create(ctx context.Context, n *notification.Notification) error
	Get(ctx context.Context, id int64) (*notification.Notification, error)
	// MarkRead flips read once; changed=false means it was already read.
	MarkRead(ctx context.Context, id int64, at time.Time) (changed bool, err error)
	ListUnreadForUser(ctx context.Context, userID string, limit int) ([]*notification.Notification, error)
	ListUnreadForRoles(ctx context.Context, roleIDs []string, limit int) ([]*notification.Notification, error)
}

// Message is one payload on a broadcast channel.
type Message struct {
	Channel string
	Payload []byte
}

// Broadcaster is the pub/sub transport. Delivery is at-most-once per subscriber.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages for channels until cancel is called or ctx ends.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error)
	Close() error
}

// BroadcastError wraps a transport failure so callers can tell it from a persistence failure.
type BroadcastError struct {
	Channel string
	Err     error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast on %s: %v", e.Channel, e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}
