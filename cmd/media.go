package cmd

import (
	"context"
	"fmt"
	"strings"

	"mediaflow/app/config"
	"mediaflow/app/database"
	"mediaflow/app/logger"
	"mediaflow/app/model"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var mediaLimit int

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "查看媒体记录",
}

var mediaListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出媒体记录和阶段状态",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logger.NewNop()

		db, store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer database.Close(db)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		records, total, err := store.ListMedia(ctx, 0, mediaLimit)
		if err != nil {
			return err
		}

		tw := table.NewWriter()
		tw.SetStyle(table.StyleRounded)
		tw.AppendHeader(table.Row{"ID", "名称", "大小", "阶段", "创建时间"})
		for _, rec := range records {
			run, err := store.LoadRun(ctx, rec.ID)
			if err != nil {
				return err
			}
			tw.AppendRow(table.Row{
				rec.ID,
				rec.DisplayName,
				humanize.IBytes(uint64(rec.SizeBytes)),
				formatStages(run),
				humanize.Time(rec.CreatedAt),
			})
		}
		tw.SetColumnConfigs([]table.ColumnConfig{
			{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		})
		tw.AppendFooter(table.Row{"", fmt.Sprintf("共 %d 条", total)})

		fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
		return nil
	},
}

// formatStages 例如 extract✓ transcribe✓ analyze✗ persist·
func formatStages(run *model.PipelineRun) string {
	parts := make([]string, 0, len(model.Stages))
	for _, st := range model.Stages {
		mark := "·"
		switch run.Stages[st].Status {
		case model.StageStatusCompleted:
			mark = "✓"
		case model.StageStatusFailed:
			mark = "✗"
		case model.StageStatusRunning:
			mark = "…"
		}
		parts = append(parts, string(st)+mark)
	}
	return strings.Join(parts, " ")
}

func openStore(cfg *config.Config, log *logger.Logger) (*gorm.DB, *database.MediaStore, error) {
	db, err := database.Open(cfg.DatabasePath(), log)
	if err != nil {
		return nil, nil, fmt.Errorf("数据库初始化失败: %w", err)
	}
	return db, database.NewMediaStore(db), nil
}

func init() {
	mediaListCmd.Flags().IntVar(&mediaLimit, "limit", 50, "最多显示的条数")
	mediaCmd.AddCommand(mediaListCmd)
	rootCmd.AddCommand(mediaCmd)
}
