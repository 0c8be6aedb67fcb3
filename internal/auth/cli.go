package auth

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ejunz/internal/database"
)

// CLIConfig holds configuration for CLI commands
type CLIConfig struct {
	DatabasePath string
	Verbose      bool
	Out          io.Writer
}

func (c *CLIConfig) out() io.Writer {
	if c.Out != nil {
		return c.Out
	}
	return os.Stdout
}

func (c *CLIConfig) databasePath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	if p := os.Getenv("EJUNZ_DB_PATH"); p != "" {
		return p
	}
	return "ejunz.db"
}

// TokenRootCmd creates the root token command with subcommands
func TokenRootCmd(config *CLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage authentication tokens",
		Long:  `Create, list, revoke, and delete the tokens clients and edge peers use to connect.`,
	}

	cmd.AddCommand(CreateTokenCmd(config))
	cmd.AddCommand(ListTokensCmd(config))
	cmd.AddCommand(RevokeTokenCmd(config))
	cmd.AddCommand(DeleteTokenCmd(config))

	return cmd
}

// CreateTokenCmd creates the token create command
func CreateTokenCmd(config *CLIConfig) *cobra.Command {
	var (
		clientName string
		expiresIn  string
		kind       string
		domain     string
		clientID   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new authentication token",
		Long:  `Create a new token. The raw value is printed once and cannot be retrieved again.`,
		Example: `  ejunz token create --client-name kiosk-1 --domain lobby --client-id kiosk-1
  ejunz token create --client-name edge-printer --kind edge --expires-in 1y`,
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata := map[string]string{MetaKind: kind}
			if domain != "" {
				metadata[MetaDomain] = domain
			}
			if clientID != "" {
				metadata[MetaClientID] = clientID
			}
			return createToken(cmd.Context(), config, clientName, expiresIn, metadata)
		},
	}

	cmd.Flags().StringVar(&clientName, "client-name", "", "Name of the client (required)")
	cmd.Flags().StringVar(&expiresIn, "expires-in", "", "Expiration duration (e.g. '1y', '30d', '24h')")
	cmd.Flags().StringVar(&kind, "kind", KindClient, "Token kind: client, edge, or api")
	cmd.Flags().StringVar(&domain, "domain", "", "Domain the token is bound to")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client id the token is bound to")
	_ = cmd.MarkFlagRequired("client-name")

	return cmd
}

// ListTokensCmd creates the token list command
func ListTokensCmd(config *CLIConfig) *cobra.Command {
	var includeRevoked bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List authentication tokens",
		Example: `  ejunz token list
  ejunz token list --include-revoked`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listTokens(cmd.Context(), config, includeRevoked)
		},
	}

	cmd.Flags().BoolVar(&includeRevoked, "include-revoked", false, "Include revoked tokens in the list")

	return cmd
}

// RevokeTokenCmd creates the token revoke command
func RevokeTokenCmd(config *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "revoke <token-id-prefix>",
		Short:   "Revoke an authentication token",
		Example: `  ejunz token revoke 3f2a9c`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(config, func(storage *TokenStorage) error {
				ctx := cmd.Context()
				info, err := findTokenByPrefix(ctx, storage, args[0])
				if err != nil {
					return err
				}
				if err := storage.RevokeToken(ctx, info.TokenID); err != nil {
					return err
				}
				fmt.Fprintf(config.out(), "Token %s (%s) revoked\n", info.TokenID, info.ClientName)
				return nil
			})
		},
	}
}

// DeleteTokenCmd creates the token delete command
func DeleteTokenCmd(config *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <token-id-prefix>",
		Short: "Permanently delete an authentication token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(config, func(storage *TokenStorage) error {
				ctx := cmd.Context()
				info, err := findTokenByPrefix(ctx, storage, args[0])
				if err != nil {
					return err
				}
				if err := storage.DeleteToken(ctx, info.TokenID); err != nil {
					return err
				}
				fmt.Fprintf(config.out(), "Token %s (%s) deleted\n", info.TokenID, info.ClientName)
				return nil
			})
		},
	}
}

func withStorage(config *CLIConfig, fn func(*TokenStorage) error) error {
	db, err := database.Open(config.databasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return fn(NewTokenStorage(db))
}

func createToken(ctx context.Context, config *CLIConfig, clientName, expiresIn string, metadata map[string]string) error {
	if strings.TrimSpace(clientName) == "" {
		return fmt.Errorf("client-name is required")
	}
	switch metadata[MetaKind] {
	case KindClient, KindEdge, KindAPI:
	default:
		return fmt.Errorf("unknown token kind %q", metadata[MetaKind])
	}

	var expiresAt *time.Time
	if expiresIn != "" {
		d, err := ParseDuration(expiresIn)
		if err != nil {
			return fmt.Errorf("invalid expires-in format: %w", err)
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	return withStorage(config, func(storage *TokenStorage) error {
		resp, err := storage.CreateToken(ctx, CreateTokenRequest{
			ClientName: clientName,
			ExpiresAt:  expiresAt,
			Metadata:   metadata,
		})
		if err != nil {
			return fmt.Errorf("failed to create token: %w", err)
		}

		w := config.out()
		fmt.Fprintf(w, "Token created\n\n")
		fmt.Fprintf(w, "Token:    %s\n", resp.Token)
		fmt.Fprintf(w, "Token ID: %s\n", resp.TokenInfo.TokenID)
		fmt.Fprintf(w, "Client:   %s\n", resp.TokenInfo.ClientName)
		fmt.Fprintf(w, "Kind:     %s\n", resp.TokenInfo.Kind())
		if d := resp.TokenInfo.Domain(); d != "" {
			fmt.Fprintf(w, "Domain:   %s\n", d)
		}
		if resp.TokenInfo.ExpiresAt != nil {
			fmt.Fprintf(w, "Expires:  %s\n", resp.TokenInfo.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Fprintf(w, "Expires:  never\n")
		}
		fmt.Fprintf(w, "\nSave this token now. It cannot be shown again.\n")
		return nil
	})
}

func listTokens(ctx context.Context, config *CLIConfig, includeRevoked bool) error {
	return withStorage(config, func(storage *TokenStorage) error {
		tokens, err := storage.ListTokens(ctx, "", includeRevoked)
		if err != nil {
			return fmt.Errorf("failed to list tokens: %w", err)
		}

		if len(tokens) == 0 {
			fmt.Fprintln(config.out(), "No tokens found.")
			return nil
		}

		w := tabwriter.NewWriter(config.out(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCLIENT\tKIND\tDOMAIN\tCREATED\tEXPIRES\tLAST USED\tSTATUS")
		now := time.Now()
		for _, t := range tokens {
			status := "active"
			if !t.IsActive {
				status = "revoked"
			}
			expires := "never"
			if t.ExpiresAt != nil {
				expires = t.ExpiresAt.Format("2006-01-02")
				if now.After(*t.ExpiresAt) {
					status = "expired"
				}
			}
			lastUsed := "never"
			if t.LastUsedAt != nil {
				lastUsed = t.LastUsedAt.Format("2006-01-02")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				t.TokenID[:8], t.ClientName, t.Kind(), t.Domain(),
				t.CreatedAt.Format("2006-01-02"), expires, lastUsed, status)
		}
		return w.Flush()
	})
}

// ParseDuration parses durations like "1y", "30d" or anything time.ParseDuration accepts
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	day := 24 * time.Hour
	for suffix, unit := range map[string]time.Duration{"y": 365 * day, "d": day} {
		if n, ok := strings.CutSuffix(s, suffix); ok {
			v, err := strconv.Atoi(n)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			return time.Duration(v) * unit, nil
		}
	}
	return time.ParseDuration(s)
}

func findTokenByPrefix(ctx context.Context, storage *TokenStorage, prefix string) (*TokenInfo, error) {
	tokens, err := storage.ListTokens(ctx, "", true)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	var matches []TokenInfo
	for _, t := range tokens {
		if strings.HasPrefix(t.TokenID, prefix) {
			matches = append(matches, t)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: no token id starts with %q", ErrTokenNotFound, prefix)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous prefix %q matches %d tokens", prefix, len(matches))
	}
}
