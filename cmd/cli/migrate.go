package cli

import (
	"context"
	"fmt"
	"time"

	"planboard/internal/config"
	"planboard/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var flagSeed bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.InitLogger(cfg); err != nil {
			logrus.Warnf("init logger: %v", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		logrus.Info("Starting database migration...")
		if err := migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		createIndexes(db)
		logrus.Info("Database migration completed successfully!")

		if flagSeed {
			if err := seed(db); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			logrus.Info("Demo data seeded")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&flagSeed, "seed", false, "insert a demo user, project and automation")
	rootCmd.AddCommand(migrateCmd)
}

// createIndexes 补充 AutoMigrate 不会创建的复合索引
func createIndexes(db *gorm.DB) {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_project_due ON tasks(project_id, due_date)",
		"CREATE INDEX IF NOT EXISTS idx_automations_project_active ON automations(project_id, is_active)",
		"CREATE INDEX IF NOT EXISTS idx_automation_runs_automation_created ON automation_runs(automation_id, created_at)",
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			logrus.WithError(err).Warnf("create index: %s", s)
		}
	}
}

// seed 写入演示数据，重复执行不会产生重复记录
func seed(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		owner := models.User{Name: "Demo Owner", Email: "owner@planboard.local"}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&owner).Error; err != nil {
			return err
		}
		if err := tx.Where("email = ?", owner.Email).First(&owner).Error; err != nil {
			return err
		}

		var project models.Project
		err := tx.Where(models.Project{Name: "Demo Project", OwnerID: owner.ID}).
			Attrs(models.Project{StakeholderEmail: "stakeholder@planboard.local"}).
			FirstOrCreate(&project).Error
		if err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.Automation{}).Where("project_id = ?", project.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		desc := "Posts the project completion summary every morning"
		digest := models.Automation{
			ProjectID:     project.ID,
			Name:          "Daily progress digest",
			Description:   &desc,
			Trigger:       "Schedule",
			TriggerConfig: datatypes.JSON(`{"frequency":"daily","time":"09:00"}`),
			Actions:       datatypes.JSON(`[{"type":"Email","subject":"{project_name} daily digest","message":"{tasks_completed_today} of {tasks_total} tasks done today, {project_completion_percentage}% complete."}]`),
			IsActive:      true,
		}
		return tx.Create(&digest).Error
	})
}
