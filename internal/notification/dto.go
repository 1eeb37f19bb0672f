package notification

import (
	"time"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/core/common/validation"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
)

type PublishRequest struct {
	Title              string   `json:"title"`
	Message            string   `json:"message"`
	Kind               string   `json:"kind"`
	DestinationUserID  string   `json:"destinationUserId,omitempty"`
	DestinationRoleIDs []string `json:"destinationRoleIds,omitempty"`
}

func (r *PublishRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("title", r.Title).Required().MaxLength(200)
	validator.Field("message", r.Message).Required().MaxLength(2000)
	validator.Field("kind", r.Kind).Required().MaxLength(64)

	if (r.DestinationUserID == "") == (len(r.DestinationRoleIDs) == 0) {
		validator.Field("destination", nil).Custom(func(interface{}) *errors.AppError {
			return errors.NewValidationFieldError("destination",
				"exactly one of destinationUserId or destinationRoleIds is required", errors.ErrCodeValidationFailed)
		})
	}

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// ToModel builds the row to persist; origin is the publishing principal, if any.
func (r *PublishRequest) ToModel(originUserID string) *notification.Notification {
	n := &notification.Notification{
		Title:   r.Title,
		Message: r.Message,
		Kind:    r.Kind,
	}
	if originUserID != "" {
		n.OriginUserID = &originUserID
	}
	if r.DestinationUserID != "" {
		userID := r.DestinationUserID
		n.DestinationType = notification.DestinationUser
		n.DestinationUserID = &userID
	} else {
		n.DestinationType = notification.DestinationRole
		n.SetRoleIDs(r.DestinationRoleIDs)
	}
	return n
}

type NotificationView struct {
	ID                 int64      `json:"id"`
	Title              string     `json:"title"`
	Message            string     `json:"message"`
	Kind               string     `json:"kind"`
	OriginUserID       *string    `json:"originUserId,omitempty"`
	DestinationType    string     `json:"destinationType"`
	DestinationUserID  *string    `json:"destinationUserId,omitempty"`
	DestinationRoleIDs []string   `json:"destinationRoleIds,omitempty"`
	Read               bool       `json:"read"`
	ReadAt             *time.Time `json:"readAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

func ToView(n *notification.Notification) NotificationView {
	v := NotificationView{
		ID:                n.ID,
		Title:             n.Title,
		Message:           n.Message,
		Kind:              n.Kind,
		OriginUserID:      n.OriginUserID,
		DestinationType:   string(n.DestinationType),
		DestinationUserID: n.DestinationUserID,
		Read:              n.Read,
		ReadAt:            n.ReadAt,
		CreatedAt:         n.CreatedAt,
	}
	if n.DestinationType == notification.DestinationRole {
		v.DestinationRoleIDs = n.RoleIDs()
	}
	return v
}

// toModel rebuilds a notification from a broadcast payload for addressee filtering.
func (v NotificationView) toModel() *notification.Notification {
	n := &notification.Notification{
		ID:                v.ID,
		Title:             v.Title,
		Message:           v.Message,
		Kind:              v.Kind,
		OriginUserID:      v.OriginUserID,
		DestinationType:   notification.DestinationType(v.DestinationType),
		DestinationUserID: v.DestinationUserID,
		Read:              v.Read,
		ReadAt:            v.ReadAt,
		CreatedAt:         v.CreatedAt,
	}
	n.SetRoleIDs(v.DestinationRoleIDs)
	return n
}
