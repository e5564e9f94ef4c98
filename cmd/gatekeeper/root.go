package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/nao1215/pactgate/internal/gatekeeper"
	"github.com/nao1215/pactgate/pkg/config"
	"github.com/nao1215/pactgate/pkg/logger"
	"github.com/nao1215/pactgate/pkg/route"
)

// newRootCmd はルートコマンドを生成する。引数なしで実行するとサーバーを起動する。
func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "pactgate",
		Short:        "セッションを検証して転送先アプリケーションを保護するゲートキーパー",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, configFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "設定ファイルのパス（YAML）")
	cmd.AddCommand(newRoutesCmd(&configFile))

	return cmd
}

// serve は設定を読み込んでサーバーを起動し、シグナルを受けたら停止する。
func serve(cmd *cobra.Command, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	server, err := gatekeeper.NewServer(cfg, log)
	if err != nil {
		return fmt.Errorf("ゲートキーパーの初期化に失敗: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("ゲートキーパーの起動に失敗: %w", err)
	}
	log.Info("ゲートキーパーを停止しました")
	return nil
}

// newRoutesCmd は指定したパスのルート分類を表示するコマンドを生成する。
func newRoutesCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "routes PATH...",
		Short: "パスのルート分類を表示する",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			table := route.DefaultTable().Extend(cfg.Routes.PublicExact, cfg.Routes.PublicPrefixes)
			for _, p := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p, table.Classify(p))
			}
			return nil
		},
	}
}
