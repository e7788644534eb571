package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"bookrecord/pkg/domain"
	"bookrecord/pkg/notify"
)

func newWatchCmd() *cobra.Command {
	var (
		cfg   notify.RedisStreamConfig
		owner string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail AddBook and SetCompleted notifications from the Redis stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Addr == "" {
				cfg.Addr = os.Getenv("REDIS_ADDR")
			}
			if cfg.Password == "" {
				cfg.Password = os.Getenv("REDIS_PASSWORD")
			}
			stream, err := notify.NewRedisStream(cfg)
			if err != nil {
				return err
			}
			defer stream.Close()

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			stream.Consume(cmd.Context(), 1, func(_ context.Context, ev domain.Event) error {
				if owner != "" && ev.Owner != owner {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				_, err := fmt.Fprintln(out, formatEvent(ev))
				return err
			})
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "redis", "", "redis address (default $REDIS_ADDR)")
	cmd.Flags().StringVar(&cfg.Stream, "stream", "bookledger:events", "stream name")
	cmd.Flags().StringVar(&cfg.Group, "group", "bookctl", "consumer group")
	cmd.Flags().StringVar(&cfg.Consumer, "consumer", "", "consumer name (random when empty)")
	cmd.Flags().StringVar(&owner, "owner", "", "only show events for this owner")
	return cmd
}

func formatEvent(ev domain.Event) string {
	switch ev.Kind {
	case domain.EventAddBook:
		return fmt.Sprintf("%s #%d AddBook owner=%s book=%d", ev.At.Format("15:04:05"), ev.Seq, ev.Owner, ev.BookID)
	case domain.EventSetCompleted:
		return fmt.Sprintf("%s #%d SetCompleted owner=%s book=%d completed=%t", ev.At.Format("15:04:05"), ev.Seq, ev.Owner, ev.BookID, ev.Completed)
	default:
		return fmt.Sprintf("%s #%d %s owner=%s", ev.At.Format("15:04:05"), ev.Seq, ev.Kind, ev.Owner)
	}
}
