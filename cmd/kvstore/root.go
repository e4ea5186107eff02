package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kjk/kvstore/kvcli"
	"github.com/kjk/kvstore/kvtable"
	"github.com/kjk/kvstore/log"
)

func newRootCmd() *cobra.Command {
	cfg := &config{}
	cmd := &cobra.Command{
		Use:   "kvstore",
		Short: "A durable key-value store backed by an append-only log",
		Long: `kvstore reads commands from stdin, one per line:

  SET <key> <value...>   prints OK
  GET <key>              prints the value or NULL
  EXIT                   exits

Every SET is appended to the log file and synced to disk before OK is printed.
The log is replayed on startup.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.resolve(os.Getenv); err != nil {
				return err
			}
			cfg.initLogging(cmd.ErrOrStderr())
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, cfg)
		},
	}
	f := cmd.PersistentFlags()
	f.StringVar(&cfg.DataDir, "data-dir", "", "directory with the log file (default $"+envDataDir+" or current directory)")
	f.StringVar(&cfg.DBPath, "db", "", "path of the log file (default <data-dir>/"+defaultLogName+")")
	f.StringVar(&cfg.LogDir, "log-dir", "", "if set, write diagnostic logs to this directory")
	f.StringVar(&cfg.EnvFile, "env-file", "", "file with KVSTORE_* settings (default <data-dir>/.env if exists)")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", false, "verbose logging")
	f.BoolVar(&cfg.BackupCorrupt, "backup-corrupt", false, "copy the log to <log>.bak if it has malformed lines")
	f.IntVar(&cfg.MaxKeyLen, "max-key-len", kvtable.DefaultMaxKeyLen, "max key length in characters")

	cmd.AddCommand(newStatsCmd(cfg))
	cmd.AddCommand(newDumpCmd(cfg))
	cmd.AddCommand(newDiffCmd(cfg))
	cmd.AddCommand(newBackupCmd(cfg))
	cmd.AddCommand(newRestoreCmd(cfg))
	cmd.AddCommand(newListBackupsCmd(cfg))
	return cmd
}

func runSession(cmd *cobra.Command, cfg *config) error {
	tbl, err := kvtable.Load(cfg.DBPath, cfg.tableOptions(nil))
	if err != nil {
		log.Errorf("failed to load '%s': %s", cfg.DBPath, err)
		return err
	}
	defer func() {
		log.IfErrf(tbl.Close(), "failed to close '%s'", cfg.DBPath)
	}()

	s := &kvcli.Session{Store: tbl}
	err = s.Run(cmd.InOrStdin(), cmd.OutOrStdout())
	log.Verbosef("session ended, commands: %d, errors: %d\n", s.NumCommands, s.NumErrors)
	return err
}
