package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xela07ax/pos-override-authority/internal/console/service"
	"github.com/xela07ax/pos-override-authority/internal/credential"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/engine"
)

const commandTimeout = 30 * time.Second

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			repo, err := e.openRepo(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func hashPinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-pin [pin]",
		Short: "Print bcrypt hash and lookup digest of a PIN for manual seeding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if err := domain.ValidatePIN(args[0]); err != nil {
				return err
			}
			hash, lookup, err := credential.NewPinHasher(e.cfg.Auth.PinPepper, e.cfg.Auth.BcryptCost).Hash(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pin_hash:   %s\npin_lookup: %s\n", hash, lookup)
			return nil
		},
	}
}

func addUserCmd() *cobra.Command {
	var displayName, password, role string
	cmd := &cobra.Command{
		Use:   "add-user [username]",
		Short: "Create a console user (cashier or an approval tier)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			repo, err := e.openRepo(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			// Ключ подписи не нужен: команда только регистрирует
			user, err := service.NewAuthService(repo, nil, e.cfg.Auth.TokenTTL).
				RegisterUser(ctx, args[0], displayName, password, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s created (id %s, role %s)\n", user.Username, user.ID, user.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "console password (min 8 characters)")
	cmd.Flags().StringVarP(&role, "role", "r", "admin", "cashier, shift_lead, manager, area_manager or admin")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func addCredentialCmd() *cobra.Command {
	var (
		in       domain.CredentialInput
		level    string
		dailyCap int
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add-credential [user-id]",
		Short: "Issue a manager PIN bound to an approval level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			tier, err := domain.ParseTier(level)
			if err != nil {
				return err
			}
			in.UserID = args[0]
			in.ApprovalLevel = tier
			if dailyCap > 0 {
				in.MaxDailyOverrides = &dailyCap
			}
			if validFor > 0 {
				until := time.Now().Add(validFor)
				in.ValidUntil = &until
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			repo, err := e.openRepo(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			hasher := credential.NewPinHasher(e.cfg.Auth.PinPepper, e.cfg.Auth.BcryptCost)
			c, err := service.NewCredentialService(repo, hasher, e.logger).Create(ctx, in, "overridectl")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential for %s issued (level %s)\n", c.UserID, c.ApprovalLevel)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.ManagerName, "name", "", "manager display name")
	cmd.Flags().StringVar(&in.PIN, "pin", "", "4 to 8 digit PIN")
	cmd.Flags().StringVarP(&level, "level", "l", "manager", "approval level")
	cmd.Flags().IntVar(&dailyCap, "daily-cap", 0, "max approvals per day (0 = unlimited)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 0, "credential lifetime (0 = no expiry)")
	_ = cmd.MarkFlagRequired("pin")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending requests once and notify waiting terminals",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			repo, err := e.openRepo(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			var notifier engine.Notifier
			if e.cfg.Redis.Enabled() {
				rdb := redis.NewClient(&redis.Options{Addr: e.cfg.Redis.Addr, Password: e.cfg.Redis.Password, DB: e.cfg.Redis.DB})
				defer rdb.Close()
				notifier = engine.NewRedisNotifier(rdb, e.logger)
			}

			n, err := engine.NewSweeper(repo, notifier, nil, e.logger, e.cfg.Requests.SweepInterval).SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d request(s) expired\n", n)
			return nil
		},
	}
}
