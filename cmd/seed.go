package cmd

import (
	server "github.com/janog-netcon/netcon-score-server/pkg"
	"github.com/janog-netcon/netcon-score-server/pkg/catalog"
	"github.com/janog-netcon/netcon-score-server/pkg/config"
	"github.com/janog-netcon/netcon-score-server/pkg/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register catalog problems in the database",
	Long:  "Reads every problem.yml under the catalog directory and upserts the problems into the database. Run before serve, and again whenever the catalog changes.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Get()

		db, err := server.InitDB(cfg.Allocator.DBPath)
		if err != nil {
			zap.S().Fatalf("Failed to open database: %v", err)
		}

		idx, err := catalog.NewProblemIndex(cfg.Allocator.CatalogDir)
		if err != nil {
			zap.S().Fatalf("Failed to build problem catalog: %v", err)
		}

		for _, prob := range idx.GetAll() {
			record := models.Problem{
				Code:  prob.Code,
				Title: prob.Title,
				Local: prob.Local,
			}
			err := db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"title", "local", "updated_at"}),
			}).Create(&record).Error
			if err != nil {
				zap.S().Fatalf("Failed to upsert problem %s: %v", prob.Code, err)
			}
			zap.S().Infof("Registered problem %s (%s)", prob.Code, prob.Title)
		}
	},
}
