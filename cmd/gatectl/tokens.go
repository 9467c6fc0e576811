package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/xela07ax/latchgate/internal/infra/auth"
)

var (
	tokensCmd = &cobra.Command{
		Use:   "tokens",
		Short: "Console access tokens",
	}

	tokensIssueCmd = &cobra.Command{
		Use:   "issue",
		Short: "Issue an RS256 console token for an operator or a notifier bot",
		RunE:  issueToken,
	}

	tokenUser       string
	tokenWorkspaces []string
	tokenTTL        time.Duration
)

func init() {
	tokensIssueCmd.Flags().StringVar(&tokenUser, "user", "", "operator id (required)")
	tokensIssueCmd.Flags().StringSliceVar(&tokenWorkspaces, "workspace", nil, "workspace the operator may resolve approvals in (repeatable)")
	tokensIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = tokensIssueCmd.MarkFlagRequired("user")
	tokensCmd.AddCommand(tokensIssueCmd)
}

func issueToken(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth private key: %w", err)
	}
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	tok, err := auth.NewSigner(key, cfg.Auth.Issuer, ttl).Issue(tokenUser, tokenWorkspaces)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
	return err
}
