package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/entitle/hub"
	"github.com/amurg-ai/entitle/hub/auth"
	"github.com/amurg-ai/entitle/hub/config"
	"github.com/amurg-ai/entitle/hub/store"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
}

func newTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Print the tier catalog the hub would load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			catalog, err := hub.BuildCatalog(cfg.Billing)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "PRICE ID\tTIER\tMONTHLY CREDITS")
			free := catalog.Free()
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\n", "-", free.Name, free.MonthlyCredits)
			for _, p := range catalog.Tiers() {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\n", p.PriceID, p.Name, p.MonthlyCredits)
			}
			return tw.Flush()
		},
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the builtin JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.Provider != "" && cfg.Auth.Provider != "builtin" {
				return fmt.Errorf("tokens can only be issued for the builtin auth provider, config uses %q", cfg.Auth.Provider)
			}

			token, err := auth.NewService(cfg.Auth).IssueToken(subject, role, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "token subject (service name or user id)")
	cmd.Flags().String("role", auth.RoleService, "token role: service or user")
	cmd.Flags().Duration("ttl", 0, "token lifetime (default: auth.jwt_expiry)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a user's stored entitlement and recent audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			limit, _ := cmd.Flags().GetInt("audit")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer func() { _ = db.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			e, err := db.GetEntitlementByUser(ctx, userID)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("no entitlement stored for user %q", userID)
			}
			events, err := db.ListAuditEvents(ctx, userID, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Entitlement *store.Entitlement `json:"entitlement"`
				Audit       []store.AuditEvent `json:"audit"`
			}{e, events})
		},
	}
	cmd.Flags().String("user", "", "user id to look up")
	cmd.Flags().Int("audit", 20, "number of audit entries to include")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
