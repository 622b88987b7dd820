package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/chirpflow/internal/runtime/auth"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	UserID  string
	Refresh bool
	TTL     time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a token for local testing",
		Long: `Sign a token with CHIRPFLOW_JWT_SECRET and print it.

Example:
  chirpflow token --user alice
  chirpflow token --user alice --ttl 10m --refresh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToken(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id carried by the token (required)")
	cmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "mint a refresh token instead of an access token")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (defaults to CHIRPFLOW_ACCESS_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runToken(cmd *cobra.Command, opts *TokenOptions) error {
	conf, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(conf.JWTSecret, conf.JWTIssuer)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot sign tokens", err)
	}

	class := auth.TokenAccess
	if opts.Refresh {
		class = auth.TokenRefresh
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = conf.AccessTokenTTL
	}

	token, err := issuer.Issue(opts.UserID, class, ttl)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sign token", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
