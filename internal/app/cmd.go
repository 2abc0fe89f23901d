package app

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/curator/internal/config"
)

// NewRootCommand はcuratorのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして起動する。
// ログはwに出力し、scrape --jsonの進捗はコマンドの標準出力に書き出す。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := newServeCommand(w)

	root := &cobra.Command{
		Use:           "curator",
		Short:         "SNS投稿のキュレーションと再投稿を行うダッシュボードのバックエンド",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	root.AddCommand(
		serve,
		newWorkerCommand(w),
		newMigrateCommand(w),
		newScrapeCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

// withConfig は初期化済みのConfigを渡してrunを実行するRunEを返す。
func withConfig(w io.Writer, run func(cfg *config.Config) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := Init(w)
		if err != nil {
			return err
		}
		return run(cfg)
	}
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "APIサーバーを起動する",
		Args:  cobra.NoArgs,
		RunE:  withConfig(w, runServe),
	}
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "公開スケジューラ・クリーンアップ・定期取り込みを実行する",
		Args:  cobra.NoArgs,
		RunE:  withConfig(w, runWorker),
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	var opts migrateOptions
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "データベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&opts.down, "down", 0, "直近N件のマイグレーションを取り消す")
	cmd.Flags().BoolVar(&opts.status, "status", false, "適用済みのバージョンを表示して終了する")
	cmd.MarkFlagsMutuallyExclusive("down", "status")
	cmd.RunE = withConfig(w, func(cfg *config.Config) error {
		return runMigrate(cfg, opts, cmd.OutOrStdout())
	})
	return cmd
}

func newScrapeCommand(w io.Writer) *cobra.Command {
	var (
		count   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "取り込み処理を1回実行する",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "取得する投稿数（0の場合は設定値）")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "進捗をNDJSONで標準出力に書き出す")
	cmd.RunE = withConfig(w, func(cfg *config.Config) error {
		return runScrape(cfg, count, jsonOut, cmd.OutOrStdout())
	})
	return cmd
}

// newHealthcheckCommand はヘルスチェックコマンドを生成する。
// 軽量サブコマンドのため、フル初期化をスキップする。
func newHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "起動中のAPIサーバーの/healthを確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port := os.Getenv("SERVER_PORT")
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(port)
		},
	}
}
