package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/convsync/internal/events"
	"github.com/tOgg1/convsync/internal/models"
)

const watchSubscriberID = "cli-watch"

// watchRenderDelay coalesces bursts of change events into one redraw.
const watchRenderDelay = 100 * time.Millisecond

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the conversation list in sync and reprint it on change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return a.watch(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print one JSON document per change")
	return cmd
}

// watch polls once, then runs the scheduler and socket stream until ctx is
// done. Every change event schedules a redraw; toasts go to errOut.
func (a *app) watch(ctx context.Context, out, errOut io.Writer, jsonOut bool) error {
	if err := a.refresh(ctx); err != nil {
		return err
	}

	changed := make(chan struct{}, 1)
	err := a.publisher.Subscribe(watchSubscriberID, events.Filter{}, func(ev *models.Event) {
		if ev.Type == models.EventTypeActionFailed {
			var payload models.ActionFailedPayload
			if err := json.Unmarshal(ev.Payload, &payload); err == nil {
				fmt.Fprintln(errOut, formatToast(payload))
			}
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = a.publisher.Unsubscribe(watchSubscriberID) }()

	stream, cancel := a.gateway.Subscribe()
	defer cancel()
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	go a.engine.Run(ctx, stream)

	render := func() error {
		views := a.engine.Views()
		total := a.engine.EffectiveTotalUnread()
		if jsonOut {
			return writeViewsJSON(out, views, total)
		}
		fmt.Fprint(out, "\x1b[H\x1b[2J")
		return writeViewsTable(out, views, total, time.Now().UTC())
	}
	if err := render(); err != nil {
		return err
	}

	timer := time.NewTimer(watchRenderDelay)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			timer.Reset(watchRenderDelay)
		case <-timer.C:
			if err := render(); err != nil {
				return err
			}
		}
	}
}
