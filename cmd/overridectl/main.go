// overridectl - административные операции сервиса подтверждений: схема БД, начальные пользователи и PIN.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"github.com/xela07ax/pos-override-authority/internal/repository/postgres"
	"go.uber.org/zap"
)

var Version = "dev"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "overridectl",
		Short:         "Admin tool for the POS override authority",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config.yaml (default ./config.yaml or ./configs/config.yaml)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hashPinCmd())
	rootCmd.AddCommand(addUserCmd())
	rootCmd.AddCommand(addCredentialCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env - конфигурация и логгер команды.
type env struct {
	cfg    *infra.Config
	logger *zap.Logger
}

func loadEnv() (*env, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	cfg, err := infra.LoadConfigFrom(v)
	if err != nil {
		return nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

// openRepo - команды, меняющие данные, работают только с Postgres.
func (e *env) openRepo(ctx context.Context) (*postgres.Repo, error) {
	if e.cfg.Storage.Driver != "postgres" {
		return nil, fmt.Errorf("storage.driver is %q: overridectl manages postgres storage only", e.cfg.Storage.Driver)
	}
	return postgres.Open(ctx, e.cfg.Database)
}
