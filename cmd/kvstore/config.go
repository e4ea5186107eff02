package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kjk/kvstore/kvtable"
	"github.com/kjk/kvstore/log"
	"github.com/kjk/kvstore/metrics"
	"github.com/kjk/kvstore/u"
)

const (
	envDataDir     = "DATA_DIR"
	defaultLogName = "data.db"
)

type config struct {
	DataDir       string
	DBPath        string
	LogDir        string
	EnvFile       string
	Verbose       bool
	BackupCorrupt bool
	MaxKeyLen     int

	// from EnvFile, takes precedence over process environment
	env map[string]string
}

// resolve fills in defaults: data dir from $DATA_DIR or the working
// directory and the log file inside data dir
func (c *config) resolve(getenv func(string) string) error {
	var err error
	if c.DataDir == "" {
		c.DataDir = getenv(envDataDir)
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.DataDir, err = u.ExpandTildeInPath(c.DataDir); err != nil {
		return err
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, defaultLogName)
	}
	if c.DBPath, err = u.ExpandTildeInPath(c.DBPath); err != nil {
		return err
	}
	if c.MaxKeyLen < 0 {
		return fmt.Errorf("invalid --max-key-len %d", c.MaxKeyLen)
	}

	envFile := c.EnvFile
	if envFile == "" {
		envFile = filepath.Join(c.DataDir, ".env")
		if !u.FileExists(envFile) {
			return nil
		}
	}
	d, err := os.ReadFile(envFile)
	if err != nil {
		return err
	}
	c.env, err = u.ParseEnv(d)
	if err != nil {
		return fmt.Errorf("%s: %w", envFile, err)
	}
	return nil
}

// getenv looks up .env values first, then process environment
func (c *config) getenv(key string) string {
	if v, ok := c.env[key]; ok {
		return v
	}
	return os.Getenv(key)
}

func (c *config) initLogging(console io.Writer) {
	log.Verbose = c.Verbose
	log.Init(&log.Config{Dir: c.LogDir, Console: console})
}

func (c *config) tableOptions(m *metrics.Metrics) *kvtable.Options {
	return &kvtable.Options{
		MaxKeyLen:     c.MaxKeyLen,
		BackupCorrupt: c.BackupCorrupt,
		Metrics:       m,
	}
}
