package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/podyard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Message Store database commands",
	}
	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var (
		configPath string
		seed       []string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Message Store tables",
		Long: `Creates the MySQL database when needed, migrates the message and pod
tables, and optionally seeds pod rows so they show up before first contact.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath, seed)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringSliceVar(&seed, "seed", nil, "pod ids to seed (comma separated)")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string, seed []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sc := cfg.Store

	if sc.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(sc)
		if err != nil {
			return fmt.Errorf("connect to MySQL at %s:%d: %w", sc.Host, sc.DBPort, err)
		}
		err = db.CreateDatabase(adminDB, sc.Database)
		db.Close(adminDB)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready on %s:%d\n", sc.Database, sc.Host, sc.DBPort)
	}

	gormDB, err := db.Open(sc)
	if err != nil {
		return fmt.Errorf("open store database: %w", err)
	}
	defer db.Close(gormDB)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), sc.Driver)

	if len(seed) > 0 {
		if err := db.SeedPods(gormDB, seed); err != nil {
			return err
		}
		fmt.Fprintf(out, "Seeded pods: %s\n", strings.Join(seed, ", "))
	}
	return nil
}
