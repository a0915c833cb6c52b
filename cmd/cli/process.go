package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"planboard/internal/config"
	"planboard/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var flagProcessTimeout time.Duration

// processCmd 对单个项目做一次同步扫描（运维排障 / 外部 cron 使用）
var processCmd = &cobra.Command{
	Use:   "process <project-id>",
	Short: "Evaluate a project's automations once and print the results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil || projectID == 0 {
			return fmt.Errorf("invalid project id %q", args[0])
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.InitLogger(cfg); err != nil {
			logrus.Warnf("init logger: %v", err)
		}
		// 一次性执行不走队列
		cfg.Automation.QueueBackend = "memory"

		ctx, cancel := context.WithTimeout(cmd.Context(), flagProcessTimeout)
		defer cancel()

		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		eng, err := buildEngine(cfg, db, logrus.StandardLogger())
		if err != nil {
			return err
		}
		defer eng.close()

		results, err := eng.orch.ProcessEvent(ctx, uint(projectID), services.EventScheduleTick, nil)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

func init() {
	processCmd.Flags().DurationVar(&flagProcessTimeout, "timeout", 5*time.Minute, "overall timeout")
	rootCmd.AddCommand(processCmd)
}
