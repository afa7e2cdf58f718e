package cli

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/convsync/internal/logging"
	"github.com/tOgg1/convsync/internal/mockserver"
	"github.com/tOgg1/convsync/internal/models"
)

var seedNames = []string{"Amy", "Bob", "Chloe", "Dev", "Esme", "Farid", "Gus", "Hana", "Ivo", "Juno"}

func newMockServerCmd(opts *rootOptions) *cobra.Command {
	var (
		addr    string
		seed    int
		chatter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a local chat backend for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var serverOpts []mockserver.Option
			if cfg.Gateway.Token != "" {
				serverOpts = append(serverOpts, mockserver.WithToken(cfg.Gateway.Token))
			}
			srv := mockserver.New(seedConversations(seed, time.Now().UTC()), serverOpts...)
			if chatter > 0 {
				go runChatter(ctx, srv, chatter)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mock server listening on %s\n", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().IntVar(&seed, "seed", 8, "number of conversations to create")
	cmd.Flags().DurationVar(&chatter, "chatter", 0, "send a random incoming message at this interval (0 disables)")
	return cmd
}

func seedConversations(n int, now time.Time) []models.Conversation {
	convs := make([]models.Conversation, 0, n)
	for i := range n {
		name := seedNames[i%len(seedNames)]
		if i >= len(seedNames) {
			name = fmt.Sprintf("%s %d", name, i/len(seedNames)+1)
		}
		convs = append(convs, models.Conversation{
			ID:                 fmt.Sprintf("conv-%d", i+1),
			DisplayName:        name,
			LastMessagePreview: "hello from " + name,
			UpdatedAt:          now.Add(-time.Duration(i) * time.Hour),
			UnreadCount:        i % 3,
			IsPinned:           i == 0,
			IsMuted:            i%5 == 4,
		})
	}
	return convs
}

func runChatter(ctx context.Context, srv *mockserver.Server, interval time.Duration) {
	logger := logging.Component("mock-chatter")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		convs := srv.Conversations()
		if len(convs) == 0 {
			continue
		}
		c := convs[rand.IntN(len(convs))]
		msg, err := srv.SendMessage(c.ID, c.DisplayName, fmt.Sprintf("ping %d", rand.IntN(1000)))
		if err != nil {
			logger.Warn().Err(err).Str("conversation_id", c.ID).Msg("chatter failed")
			continue
		}
		logger.Debug().Str("conversation_id", c.ID).Str("message_id", msg.MessageID).Msg("chatter sent")
	}
}
