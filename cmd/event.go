package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/tramite-payments/internal/notification"
)

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Notification management commands",
	Long:  `Publish notifications and follow the live fan-out from the command line`,
}

var publishNotificationCmd = &cobra.Command{
	Use:   "publish",
	Short: "Store and broadcast a notification",
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishNotification(cmd.Context())
	},
}

var tailNotificationsCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print notifications addressed to a user or roles as they are broadcast",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tailNotifications(cmd.Context())
	},
}

var (
	notifyTitle   string
	notifyMessage string
	notifyKind    string
	notifyUser    string
	notifyRoles   []string
)

func publishNotification(ctx context.Context) error {
	req := notification.PublishRequest{
		Title:              notifyTitle,
		Message:            notifyMessage,
		Kind:               notifyKind,
		DestinationUserID:  notifyUser,
		DestinationRoleIDs: notifyRoles,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	deps, err := initializeDependencies()
	if err != nil {
		return err
	}
	defer deps.Close()

	id, err := deps.Notifications.Publish(ctx, req.ToModel(""))
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"id": id})
}

func tailNotifications(ctx context.Context) error {
	deps, err := initializeDependencies()
	if err != nil {
		return err
	}
	defer deps.Close()

	if deps.Config.Notification.Transport != "redis" {
		deps.Logger.Warn("in-process fan-out only shows notifications published by this process")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updates, cancel, err := deps.Notifications.Subscribe(ctx, notifyUser, notifyRoles)
	if err != nil {
		return err
	}
	defer cancel()

	deps.Logger.Info("waiting for notifications", "user_id", notifyUser, "roles", notifyRoles)
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case view, ok := <-updates:
			if !ok {
				return nil
			}
			if err := enc.Encode(view); err != nil {
				return fmt.Errorf("write notification: %w", err)
			}
		}
	}
}

func init() {
	publishNotificationCmd.Flags().StringVar(&notifyTitle, "title", "", "notification title")
	publishNotificationCmd.Flags().StringVar(&notifyMessage, "message", "", "notification body")
	publishNotificationCmd.Flags().StringVar(&notifyKind, "kind", "manual", "notification kind")
	publishNotificationCmd.Flags().StringVar(&notifyUser, "user", "", "destination user id")
	publishNotificationCmd.Flags().StringSliceVar(&notifyRoles, "roles", nil, "destination role ids")

	tailNotificationsCmd.Flags().StringVar(&notifyUser, "user", "", "user id to follow")
	tailNotificationsCmd.Flags().StringSliceVar(&notifyRoles, "roles", nil, "roles to follow")

	notificationsCmd.AddCommand(publishNotificationCmd)
	notificationsCmd.AddCommand(tailNotificationsCmd)

	rootCmd.AddCommand(notificationsCmd)
}
