package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newMintTokenCommand() *cobra.Command {
	var (
		userID   string
		username string
		wallet   string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a development session token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user-id is required")
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.TAuthSigningKey),
				Issuer:        appConfig.TAuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.SessionClaims{
				UserID:        userID,
				Username:      username,
				WalletAddress: wallet,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User identifier carried in the token")
	cmd.Flags().StringVar(&username, "username", "", "Display name carried in the token")
	cmd.Flags().StringVar(&wallet, "wallet", "", "Reward wallet address carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
