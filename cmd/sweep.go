package cmd

import (
	"context"
	"fmt"
	"time"

	"mediaflow/app/config"
	"mediaflow/app/database"
	"mediaflow/app/dedup"
	"mediaflow/app/logger"
	"mediaflow/app/service"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "执行一次对账，补齐缺失的内容哈希和文件元数据",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		log := logger.New(cfg.Log)
		defer log.Close()

		db, store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer database.Close(db)

		hasher, err := dedup.NewHasher(cfg.Pipeline.HashAlgorithm)
		if err != nil {
			return err
		}
		index := dedup.NewIndex(store, cfg.Pipeline.DedupCacheTTL, log.Named("dedup"))
		reconciler := service.NewReconciler(cfg, store, index, hasher, log.Named("reconciler"))

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		report, err := reconciler.RunSweep(ctx)
		if err != nil {
			return err
		}

		tw := table.NewWriter()
		tw.SetStyle(table.StyleRounded)
		tw.AppendHeader(table.Row{"扫描", "未变化", "已修复", "跳过", "冲突", "错误", "耗时"})
		tw.AppendRow(table.Row{report.Scanned, report.Unchanged, report.Repaired, report.Skipped,
			report.Conflicts, report.Errors, report.Duration.Round(time.Millisecond).String()})
		fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
