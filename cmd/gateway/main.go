package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/contentstor/contentstor/internal/api"
	"github.com/contentstor/contentstor/internal/config"
	"github.com/contentstor/contentstor/internal/database"
)

func main() {
	var envFile string

	root := &cobra.Command{
		Use:   "contentstor",
		Short: "Content delivery gateway",
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file before reading configuration")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the content-serving process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return err
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			db, err := database.NewPostgresDB(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.RunMigrations(db); err != nil {
				return err
			}
			if err := database.InitializeDefaultData(db, cfg.StorageBackend, cfg.RedirectToObjectStorage); err != nil {
				return err
			}

			server, err := api.NewServer(cfg, db)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx)
		},
	}

	root.AddCommand(serve)
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
