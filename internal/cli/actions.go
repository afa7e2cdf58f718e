package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/convsync/internal/engine"
	"github.com/tOgg1/convsync/internal/events"
	"github.com/tOgg1/convsync/internal/models"
)

var errDeleteNotConfirmed = errors.New("delete not confirmed (pass --yes)")

func newMarkReadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-read <conversation-id>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, args[0], models.ActionMarkRead, false)
		},
	}
}

func newMarkUnreadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-unread <conversation-id>",
		Short: "Mark a conversation as unread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, args[0], models.ActionMarkUnread, false)
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, args[0], models.ActionDelete, yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	return cmd
}

// runAction drives the swipe controller the way a user would: open the row,
// tap the action and, for deletes, answer the confirmation.
func runAction(cmd *cobra.Command, opts *rootOptions, id string, kind models.ActionKind, confirmed bool) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.refresh(ctx); err != nil {
		return err
	}
	// A delete of an id already gone still reaches the server and succeeds.
	if _, ok := a.engine.View(id); !ok && kind != models.ActionDelete {
		return fmt.Errorf("%w: %s", engine.ErrUnknownConversation, id)
	}

	errOut := cmd.ErrOrStderr()
	_ = a.publisher.Subscribe("cli-toast", events.Filter{
		EventTypes: []models.EventType{models.EventTypeActionFailed},
	}, func(ev *models.Event) {
		var payload models.ActionFailedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			fmt.Fprintln(errOut, formatToast(payload))
		}
	})

	a.swipeOpen(id)
	if err := a.controller.TapAction(ctx, id, kind); err != nil {
		return err
	}
	if kind == models.ActionDelete {
		if !confirmed {
			a.controller.CancelDelete(id)
			return errDeleteNotConfirmed
		}
		if err := a.controller.ConfirmDelete(ctx, id); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if kind == models.ActionDelete {
		_, err = fmt.Fprintf(out, "deleted %s\n", id)
		return err
	}
	view, _ := a.engine.View(id)
	_, err = fmt.Fprintf(out, "%s: unread=%t badge=%d\n", id, view.Unread.DisplayUnread, view.Unread.BadgeCount)
	return err
}
