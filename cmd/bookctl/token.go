package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bookrecord/internal/servicetoken"
)

func newTokenCmd() *cobra.Command {
	var (
		keyPath  string
		keyID    string
		issuer   string
		subject  string
		audience string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a delegated caller token for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
				PrivateKeyPath: keyPath,
				KeyID:          keyID,
				Issuer:         issuer,
				TTL:            ttl,
			})
			if err != nil {
				return err
			}
			token, err := signer.Sign(subject, audience)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "secrets/delegation/private.pem", "RSA private key (PEM)")
	cmd.Flags().StringVar(&keyID, "kid", servicetoken.DefaultKeyID, "key id placed in the token header")
	cmd.Flags().StringVar(&issuer, "issuer", "gateway", "issuer; must be in the service's delegatedIssuers")
	cmd.Flags().StringVar(&subject, "subject", "", "caller identity to assert")
	cmd.Flags().StringVar(&audience, "audience", servicetoken.DefaultAudience, "token audience")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
