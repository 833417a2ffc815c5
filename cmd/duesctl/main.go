package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/classdues/internal/config"
	"github.com/classdues/internal/logger"
	"github.com/classdues/internal/models"
	"github.com/classdues/internal/provider"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "duesctl",
		Short:         "Operator tooling for class dues payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 2*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openContainer 加载配置并初始化数据库与依赖
func openContainer(withDB bool) (*provider.Container, error) {
	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	if withDB {
		if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, models.DBPoolConfig{
			MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
			MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
			ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
			ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
		}, false); err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		if err := models.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return provider.NewContainer(cfg), nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending payments now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer(true)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			expired, err := c.SweeperService.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired: %d\n", expired)
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Write completed payments to the ledger",
		Long: `Reconcile completed payments into the ledger.

Use --payment to retry one payment, or --failed to rescan every
payment whose previous ledger write failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paymentID, _ := cmd.Flags().GetString("payment")
			failed, _ := cmd.Flags().GetBool("failed")
			paymentID = strings.TrimSpace(paymentID)
			if paymentID == "" && !failed {
				return errors.New("either --payment or --failed is required")
			}

			c, err := openContainer(true)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			out := cmd.OutOrStdout()
			if paymentID != "" {
				result, err := c.PaymentService.RetryReconciliation(ctx, paymentID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "payment: %s claimed: %t attempt: %d\n", result.PaymentID, result.Claimed, result.Attempt)
			}
			if failed {
				done, err := c.PaymentService.RetryFailedReconciliations(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "reconciled: %d\n", done)
			}
			return nil
		},
	}
	cmd.Flags().StringP("payment", "p", "", "Payment ID to reconcile")
	cmd.Flags().Bool("failed", false, "Retry every failed reconciliation")
	return cmd
}

func rosterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roster",
		Short: "Print the class roster from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer(false)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			entries, err := c.RosterService.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NO\tSTUDENT ID\tNAME\tNICKNAME\tPAID MONTHS")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", entry.No, entry.StudentID, entry.Name, entry.Nickname, len(entry.Paid))
			}
			return w.Flush()
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, _ := cmd.Flags().GetString("operator")

			c, err := openContainer(false)
			if err != nil {
				return err
			}
			defer c.Close()

			token, expiresAt, err := c.OpsAuthService.Issue(operator, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(out, "expires: %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringP("operator", "o", "", "Operator name recorded in the token")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
