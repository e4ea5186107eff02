package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/kjk/kvstore/backup"
	"github.com/kjk/kvstore/kvtable"
	"github.com/kjk/kvstore/log"
	"github.com/kjk/kvstore/logstore"
	"github.com/kjk/kvstore/metrics"
	"github.com/kjk/kvstore/u"
)

type statsOutput struct {
	Path     string             `json:"path"`
	Size     string             `json:"size"`
	Keys     int                `json:"keys"`
	Replay   *logstore.Stats    `json:"replay"`
	Metrics  map[string]float64 `json:"metrics"`
	Duration string             `json:"load_duration"`
}

func newStatsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Replay the log and print statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			timeStart := time.Now()
			tbl, err := kvtable.Load(cfg.DBPath, cfg.tableOptions(metrics.New(reg)))
			if err != nil {
				return err
			}
			defer tbl.Close()
			dur := time.Since(timeStart)
			vals, err := metrics.Values(reg)
			if err != nil {
				return err
			}
			stats := tbl.ReplayStats()
			out := statsOutput{
				Path:     tbl.Path(),
				Size:     u.FormatSize(stats.Bytes),
				Keys:     tbl.Len(),
				Replay:   stats,
				Metrics:  vals,
				Duration: dur.String(),
			}
			d, err := json.Marshal(out)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(pretty.Pretty(d))
			return err
		},
	}
}

func newDumpCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <file>",
		Short: "Write current keys and values to a file in log format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := kvtable.Load(cfg.DBPath, cfg.tableOptions(nil))
			if err != nil {
				return err
			}
			defer tbl.Close()
			if err = tbl.DumpToFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d keys to '%s'\n", tbl.Len(), args[0])
			return nil
		},
	}
}

const (
	targetS3   = "s3"
	targetSFTP = "sftp"
)

// newBackupTarget returns backup target and default prefix of remote paths
func newBackupTarget(ctx context.Context, cfg *config, target string) (backup.Target, string, error) {
	switch target {
	case targetS3:
		bc := backup.ConfigFromEnv(cfg.getenv)
		if cfg.Verbose {
			bc.RequestTrace = traceWriter{}
		}
		c, err := backup.New(ctx, bc)
		if err != nil {
			return nil, "", err
		}
		return c, bc.Prefix, nil
	case targetSFTP:
		c, err := backup.NewSFTP(backup.SFTPConfigFromEnv(cfg.getenv))
		if err != nil {
			return nil, "", err
		}
		return c, "", nil
	}
	return nil, "", fmt.Errorf("unknown backup target '%s', must be %s or %s", target, targetS3, targetSFTP)
}

// traceWriter sends minio request traces to our log
type traceWriter struct{}

func (traceWriter) Write(d []byte) (int, error) {
	log.Verbosef("%s", d)
	return len(d), nil
}

func addTargetFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "target", targetS3, "where backups are stored: s3 or sftp")
}

const backupHelp = `s3 storage is configured with ` + backup.EnvEndpoint + `, ` + backup.EnvBucket + `, ` + backup.EnvAccess + `, ` + backup.EnvSecret + `
and optional ` + backup.EnvRegion + `, ` + backup.EnvInsecure + `, ` + backup.EnvPrefix + `.

sftp storage is configured with ` + backup.EnvSFTPAddr + `, ` + backup.EnvSFTPUser + `
and optional ` + backup.EnvSFTPKey + `, ` + backup.EnvSFTPDir + `, ` + backup.EnvSFTPInsecure + `.

Values are read from the environment or from .env file.`

func newBackupCmd(cfg *config) *cobra.Command {
	var codecName, target string
	cmd := &cobra.Command{
		Use:   "backup [remote-path]",
		Short: "Upload a compressed copy of the log to s3-compatible storage or sftp server",
		Long:  backupHelp,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := backup.ParseCodec(codecName)
			if err != nil {
				return err
			}
			if !u.FileExists(cfg.DBPath) {
				return fmt.Errorf("log '%s' doesn't exist", cfg.DBPath)
			}
			ctx := cmd.Context()
			c, prefix, err := newBackupTarget(ctx, cfg, target)
			if err != nil {
				return err
			}
			defer c.Close()
			remotePath := backup.RemotePath(prefix, cfg.DBPath, time.Now(), codec)
			if len(args) > 0 {
				remotePath = args[0]
			}
			timeStart := time.Now()
			size, err := c.UploadLog(ctx, remotePath, cfg.DBPath)
			if err != nil {
				return err
			}
			log.EventWithDuration("backup", time.Since(timeStart), "target", target, "remote", remotePath, "size", size)
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded '%s' as '%s' (%s compressed)\n", cfg.DBPath, remotePath, u.FormatSize(size))
			return nil
		},
	}
	cmd.Flags().StringVar(&codecName, "codec", string(backup.CodecZstd), "compression: zstd or br")
	addTargetFlag(cmd, &target)
	return cmd
}

func newRestoreCmd(cfg *config) *cobra.Command {
	var force bool
	var target string
	cmd := &cobra.Command{
		Use:   "restore <remote-path>",
		Short: "Download a backup made with 'backup' and install it as the log",
		Long:  backupHelp,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, _, err := newBackupTarget(ctx, cfg, target)
			if err != nil {
				return err
			}
			defer c.Close()
			stats, err := c.RestoreLog(ctx, args[0], cfg.DBPath, force)
			if err != nil {
				return err
			}
			log.Event("restore", "target", target, "remote", args[0], "records", stats.Records, "skipped", stats.SkippedCount)
			fmt.Fprintf(cmd.OutOrStdout(), "restored '%s' to '%s', %s\n", args[0], cfg.DBPath, stats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing non-empty log")
	addTargetFlag(cmd, &target)
	return cmd
}

func newListBackupsCmd(cfg *config) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list-backups [prefix]",
		Short: "List backups made with 'backup'",
		Long:  backupHelp,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, prefix, err := newBackupTarget(ctx, cfg, target)
			if err != nil {
				return err
			}
			defer c.Close()
			if len(args) > 0 {
				prefix = args[0]
			}
			paths, err := c.ListBackups(ctx, prefix)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	addTargetFlag(cmd, &target)
	return cmd
}
