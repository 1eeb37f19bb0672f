package notification

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
)

const (
	defaultBroadcastTimeout = 2 * time.Second
	defaultUnreadLimit      = 100
	subscriberBuffer        = 16
)

type ServiceAPI interface {
	Publish(ctx context.Context, n *notification.Notification) (int64, error)
	MarkRead(ctx context.Context, id int64) (bool, error)
	MarkReadFor(ctx context.Context, id int64, principal *errors.Principal) (bool, error)
	ListUnreadForUser(ctx context.Context, userID string) ([]NotificationView, error)
	ListUnreadForRole(ctx context.Context, roleID string) ([]NotificationView, error)
	ListUnreadForPrincipal(ctx context.Context, userID string, roles []string) ([]NotificationView, error)
	Subscribe(ctx context.Context, userID string, roles []string) (<-chan NotificationView, func(), error)
}

type Service struct {
	repo             Repository
	broadcaster      Broadcaster
	broadcastTimeout time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

func NewService(repo Repository, broadcaster Broadcaster, broadcastTimeout time.Duration, logger *slog.Logger) *Service {
	if broadcastTimeout <= 0 {
		broadcastTimeout = defaultBroadcastTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:             repo,
		broadcaster:      broadcaster,
		broadcastTimeout: broadcastTimeout,
		now:              time.Now,
		logger:           logger,
	}
}

var _ ServiceAPI = (*Service)(nil)

// Publish stores n and then pushes it to live subscribers. Only the store can fail the call.
func (s *Service) Publish(ctx context.Context, n *notification.Notification) (int64, error) {
	if err := validateDestination(n); err != nil {
		return 0, err
	}

	if err := s.repo.Create(ctx, n); err != nil {
		s.logger.Error("failed to persist notification", "error", err, "kind", n.Kind)
		return 0, errors.NewInternalError("failed to persist notification", err)
	}

	if err := s.broadcast(ctx, n); err != nil {
		s.logger.Warn("notification stored but broadcast failed",
			"error", err,
			"notification_id", n.ID,
			"kind", n.Kind)
	}

	s.logger.Info("notification published",
		"notification_id", n.ID,
		"kind", n.Kind,
		"destination_type", n.DestinationType)
	return n.ID, nil
}

func (s *Service) broadcast(ctx context.Context, n *notification.Notification) error {
	if s.broadcaster == nil {
		return nil
	}
	channel := ChannelFor(n)

	payload, err := json.Marshal(ToView(n))
	if err != nil {
		return &BroadcastError{Channel: channel, Err: err}
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.broadcastTimeout)
	defer cancel()

	if err := s.broadcaster.Broadcast(bctx, channel, payload); err != nil {
		return &BroadcastError{Channel: channel, Err: err}
	}
	return nil
}

func (s *Service) MarkRead(ctx context.Context, id int64) (bool, error) {
	changed, err := s.repo.MarkRead(ctx, id, s.now().UTC())
	if err != nil {
		return false, s.repoError("failed to mark notification read", id, err)
	}
	return changed, nil
}

// MarkReadFor marks id read on behalf of principal, who must be an addressee.
func (s *Service) MarkReadFor(ctx context.Context, id int64, principal *errors.Principal) (bool, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, s.repoError("failed to load notification", id, err)
	}
	if principal == nil || !n.IsAddressedTo(principal.UserID, principal.Roles) {
		return false, errors.ErrForbiddenRoles
	}
	if n.Read {
		return false, nil
	}
	return s.MarkRead(ctx, id)
}

func (s *Service) ListUnreadForUser(ctx context.Context, userID string) ([]NotificationView, error) {
	rows, err := s.repo.ListUnreadForUser(ctx, userID, defaultUnreadLimit)
	if err != nil {
		s.logger.Error("failed to list unread notifications", "error", err, "user_id", userID)
		return nil, errors.NewInternalError("failed to list notifications", err)
	}
	return toViews(rows), nil
}

func (s *Service) ListUnreadForRole(ctx context.Context, roleID string) ([]NotificationView, error) {
	rows, err := s.repo.ListUnreadForRoles(ctx, []string{roleID}, defaultUnreadLimit)
	if err != nil {
		s.logger.Error("failed to list unread notifications", "error", err, "role_id", roleID)
		return nil, errors.NewInternalError("failed to list notifications", err)
	}
	return toViews(rows), nil
}

// ListUnreadForPrincipal merges the user's own and role-addressed notifications, newest first.
func (s *Service) ListUnreadForPrincipal(ctx context.Context, userID string, roles []string) ([]NotificationView, error) {
	var rows []*notification.Notification

	if userID != "" {
		own, err := s.repo.ListUnreadForUser(ctx, userID, defaultUnreadLimit)
		if err != nil {
			s.logger.Error("failed to list unread notifications", "error", err, "user_id", userID)
			return nil, errors.NewInternalError("failed to list notifications", err)
		}
		rows = append(rows, own...)
	}
	if len(roles) > 0 {
		byRole, err := s.repo.ListUnreadForRoles(ctx, roles, defaultUnreadLimit)
		if err != nil {
			s.logger.Error("failed to list unread notifications", "error", err, "roles", roles)
			return nil, errors.NewInternalError("failed to list notifications", err)
		}
		rows = append(rows, byRole...)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	return toViews(rows), nil
}

// Subscribe streams notifications addressed to the user or any of roles.
func (s *Service) Subscribe(ctx context.Context, userID string, roles []string) (<-chan NotificationView, func(), error) {
	if s.broadcaster == nil {
		return nil, nil, errors.NewInternalError("notification streaming is not configured", nil)
	}

	channels := []string{RolesChannel}
	if userID != "" {
		channels = append(channels, UserChannel(userID))
	}

	msgs, cancel, err := s.broadcaster.Subscribe(ctx, channels...)
	if err != nil {
		s.logger.Error("failed to subscribe to notifications", "error", err, "user_id", userID)
		return nil, nil, errors.NewInternalError("failed to subscribe to notifications", err)
	}

	out := make(chan NotificationView, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var view NotificationView
			if err := json.Unmarshal(msg.Payload, &view); err != nil {
				s.logger.Warn("dropping undecodable notification payload", "error", err, "channel", msg.Channel)
				continue
			}
			if !view.toModel().IsAddressedTo(userID, roles) {
				continue
			}
			select {
			case out <- view:
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()

	return out, cancel, nil
}

func (s *Service) repoError(message string, id int64, err error) error {
	if stderrors.Is(err, errors.ErrNotificationNotFound) {
		return err
	}
	s.logger.Error(message, "error", err, "notification_id", id)
	return errors.NewInternalError(message, err)
}

func validateDestination(n *notification.Notification) error {
	if n.Title == "" || n.Message == "" || n.Kind == "" {
		return errors.NewValidationError("notification needs a title, message and kind", errors.ErrCodeValidationFailed)
	}
	switch n.DestinationType {
	case notification.DestinationUser:
		if n.DestinationUserID == nil || *n.DestinationUserID == "" || len(n.Roles) > 0 {
			return errors.NewValidationFieldError("destination", "user notifications need exactly one destination user", errors.ErrCodeValidationFailed)
		}
	case notification.DestinationRole:
		if len(n.Roles) == 0 || n.DestinationUserID != nil {
			return errors.NewValidationFieldError("destination", "role notifications need at least one role and no user", errors.ErrCodeValidationFailed)
		}
	default:
		return errors.NewValidationFieldError("destinationType", fmt.Sprintf("unknown destination type %q", n.DestinationType), errors.ErrCodeValidationFailed)
	}
	return nil
}

func toViews(rows []*notification.Notification) []NotificationView {
	views := make([]NotificationView, 0, len(rows))
	for _, n := range rows {
		views = append(views, ToView(n))
	}
	return views
}
