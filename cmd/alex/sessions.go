package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smebi/alex/internal/client"
	"github.com/smebi/alex/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List archived conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := store.NewSQLite(cfg.DBPath())
			if err != nil {
				return fmt.Errorf("open local store: %w", err)
			}
			defer kv.Close()

			c := client.New(cfg, kv, client.WithLogger(newLogger()))
			defer c.Close()
			return printSessions(c, os.Stdout)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delete SESSION_ID",
		Short: "Remove a conversation from the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := store.NewSQLite(cfg.DBPath())
			if err != nil {
				return fmt.Errorf("open local store: %w", err)
			}
			defer kv.Close()

			c := client.New(cfg, kv, client.WithLogger(newLogger()))
			defer c.Close()
			return c.Conversations.Delete(args[0])
		},
	})

	return cmd
}
