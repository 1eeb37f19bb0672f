package notification

import (
	"sort"
	"time"
)

type DestinationType string

const (
	DestinationUser DestinationType = "user"
	DestinationRole DestinationType = "role"
)

type Notification struct {
	ID                int64              `gorm:"primaryKey"`
	Title             string             `gorm:"column:title;not null"`
	Message           string             `gorm:"column:message;not null"`
	Kind              string             `gorm:"column:kind;not null"`
	OriginUserID      *string            `gorm:"column:origin_user_id"`
	DestinationType   DestinationType    `gorm:"column:destination_type;not null"`
	DestinationUserID *string            `gorm:"column:destination_user_id;index"`
	Roles             []NotificationRole `gorm:"foreignKey:NotificationID"`
	Read              bool               `gorm:"column:read;not null;default:false"`
	ReadAt            *time.Time         `gorm:"column:read_at"`
	CreatedAt         time.Time          `gorm:"column:created_at"`
}

func (Notification) TableName() string {
	return "notifications"
}

// NotificationRole is one entry of the ordered destination role set.
type NotificationRole struct {
	NotificationID int64  `gorm:"column:notification_id;primaryKey"`
	RoleID         string `gorm:"column:role_id;primaryKey;index"`
	Position       int    `gorm:"column:position;not null"`
}

func (NotificationRole) TableName() string {
	return "notification_roles"
}

// RoleIDs returns the destination roles in publish order.
func (n *Notification) RoleIDs() []string {
	roles := make([]NotificationRole, len(n.Roles))
	copy(roles, n.Roles)
	sort.Slice(roles, func(i, j int) bool { return roles[i].Position < roles[j].Position })

	ids := make([]string, len(roles))
	for i, r := range roles {
		ids[i] = r.RoleID
	}
	return ids
}

// SetRoleIDs replaces the destination role set keeping the given order and dropping duplicates.
func (n *Notification) SetRoleIDs(ids []string) {
	seen := make(map[string]struct{}, len(ids))
	n.Roles = n.Roles[:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		n.Roles = append(n.Roles, NotificationRole{RoleID: id, Position: len(n.Roles)})
	}
}

// IsAddressedTo reports whether a principal with userID and roles should see n.
func (n *Notification) IsAddressedTo(userID string, roles []string) bool {
	switch n.DestinationType {
	case DestinationUser:
		return n.DestinationUserID != nil && *n.DestinationUserID == userID
	case DestinationRole:
		for _, r := range n.Roles {
			for _, have := range roles {
				if r.RoleID == have {
					return true
				}
			}
		}
	}
	return false
}
