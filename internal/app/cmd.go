package app

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hitoshi/gossip/internal/config"
)

// NewRootCommand はgossipのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして動作する。
// ログはoutに出力する。
func NewRootCommand(out io.Writer) *cobra.Command {
	var envFile string

	load := func() (*config.Config, error) {
		return Init(out, envFile)
	}

	serve := func(cmd *cobra.Command, args []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		return RunServe(cmd.Context(), cfg)
	}

	rootCmd := &cobra.Command{
		Use:   "gossip",
		Short: "Web front-end for posting and reading short messages",
		Long: `gossip serves a server-rendered page that signs a user in through an
OAuth identity provider, shows their profile and lets them post and read
short messages stored by a remote backend.`,
		RunE:          serve,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before reading the environment")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the web server",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run the daily cleanup of stale identity-provider sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return RunWorker(cmd.Context(), cfg)
			},
		},
		newMigrateCommand(load),
		newHealthcheckCommand(),
	)

	return rootCmd
}

// newMigrateCommand はマイグレーションコマンドを生成する。
func newMigrateCommand(load func() (*config.Config, error)) *cobra.Command {
	var rollback int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return RunMigrate(cfg, rollback)
		},
	}
	cmd.Flags().IntVar(&rollback, "rollback", 0, "Roll back this many migrations instead of applying")

	return cmd
}

// newHealthcheckCommand は軽量なヘルスチェックコマンドを生成する。
// フル初期化（設定読み込み）は行わない。
func newHealthcheckCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the /health endpoint of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				port := os.Getenv("SERVER_PORT")
				if port == "" {
					port = "8080"
				}
				target = "http://localhost:" + port
			}
			return RunHealthcheck(cmd.Context(), target)
		},
	}
	cmd.Flags().StringVar(&target, "url", "", "Base URL of the server (default http://localhost:$SERVER_PORT)")

	return cmd
}

// Execute はSIGINT/SIGTERMでキャンセルされるコンテキストでルートコマンドを実行する。
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return NewRootCommand(os.Stdout).ExecuteContext(ctx)
}
