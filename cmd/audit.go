/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gersonrivera27/STACKPOS/config"
	"github.com/gersonrivera27/STACKPOS/internal/db"
	"github.com/gersonrivera27/STACKPOS/internal/logging"
	"github.com/gersonrivera27/STACKPOS/internal/mq"
	"github.com/gersonrivera27/STACKPOS/internal/services"
	"github.com/gersonrivera27/STACKPOS/internal/storage"
	"github.com/gersonrivera27/STACKPOS/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Consume and archive audit events",
}

var auditConsumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Store audit events from the message queue in audit_logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := logging.New(cfg)
		ctx := cmd.Context()

		dbConn, err := db.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer dbConn.Close()

		queue, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return fmt.Errorf("connect message queue: %w", err)
		}
		defer queue.Close()

		consumer := services.NewAuditConsumer(store.NewAuditLogRepository(dbConn), logger)

		g, ctx := errgroup.WithContext(ctx)
		for _, name := range mq.AuditQueues {
			g.Go(func() error {
				logger.Info("consuming audit queue", "queue", name)
				if err := queue.Subscribe(ctx, name, consumer.Handle); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("subscribe %s: %w", name, err)
				}
				return nil
			})
		}
		return g.Wait()
	},
}

var exportFlags struct {
	since string
	until string
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write audit logs for a time range to object storage as JSON Lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		until := time.Now().UTC()
		if exportFlags.until != "" {
			parsed, err := time.Parse(time.RFC3339, exportFlags.until)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			until = parsed
		}
		since := until.Add(-24 * time.Hour)
		if exportFlags.since != "" {
			parsed, err := time.Parse(time.RFC3339, exportFlags.since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			since = parsed
		}

		cfg := config.LoadConfig()
		logger := logging.New(cfg)
		ctx := cmd.Context()

		objects, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("open object storage: %w", err)
		}
		dbConn, err := db.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer dbConn.Close()

		archive := services.NewAuditArchiveService(store.NewAuditLogRepository(dbConn), objects, logger)
		result, err := archive.Export(ctx, since, until)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d row(s) to %s/%s\n", result.Rows, result.Bucket, result.Key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditConsumeCmd)
	auditCmd.AddCommand(auditExportCmd)

	auditExportCmd.Flags().StringVar(&exportFlags.since, "since", "", "start of the range, RFC 3339 (default: 24h before --until)")
	auditExportCmd.Flags().StringVar(&exportFlags.until, "until", "", "end of the range, RFC 3339 (default: now)")
}
