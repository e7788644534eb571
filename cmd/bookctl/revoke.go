package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"bookrecord/internal/servicetoken"
)

func newRevokeCmd() *cobra.Command {
	var (
		addr   string
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Refuse a delegated token until it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jti, expiresAt, err := servicetoken.Unverified(args[0])
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			ttl := time.Until(expiresAt)
			if expiresAt.IsZero() || ttl <= 0 {
				return errors.New("token already expired")
			}
			if addr == "" {
				addr = os.Getenv("REDIS_ADDR")
			}
			if strings.TrimSpace(addr) == "" {
				return errors.New("--redis or REDIS_ADDR is required")
			}
			rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
			defer rdb.Close()
			list, err := servicetoken.NewRedisRevocationList(rdb, prefix)
			if err != nil {
				return err
			}
			if err := list.Revoke(cmd.Context(), jti, ttl); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s until %s\n", jti, expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "redis", "", "redis address (default $REDIS_ADDR)")
	cmd.Flags().StringVar(&prefix, "prefix", "bookledger:revoked", "revocation key prefix")
	return cmd
}
