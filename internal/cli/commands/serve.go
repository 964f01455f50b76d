// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"webdavd/internal/config"
	"webdavd/internal/logging"
	"webdavd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebDAV server",
	Long: `Runs the WebDAV server in the foreground until interrupted.

Configuration is layered: embedded defaults, then the --config file, then
WEBDAVD_* environment variables, then the flags below.

Examples:
  # Serve ./data on :8080 without authentication
  webdavd serve

  # Serve /srv/share with a single credential pair
  webdavd serve --root /srv/share --user alice --password secret

  # JSON logs and a Prometheus endpoint
  webdavd serve --log-format json --metrics-listen 127.0.0.1:9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

type serveFlags struct {
	listen         string
	prefix         string
	root           string
	user           string
	password       string
	logFormat      string
	logLevel       string
	lockTimeout    int
	maxLockTimeout int
	maxUpload      int64
	maxDepth       int
	trashDir       string
	stateDir       string
	hide           []string
	cors           bool
	metricsListen  string
}

var serveOpts serveFlags

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveOpts.listen, "listen", "l", "", "Address to listen on (default :8080)")
	f.StringVar(&serveOpts.prefix, "prefix", "", "URL path prefix the tree is mounted under")
	f.StringVarP(&serveOpts.root, "root", "r", "", "Directory to serve")
	f.StringVar(&serveOpts.user, "user", "", "Basic auth username")
	f.StringVar(&serveOpts.password, "password", "", "Basic auth password")
	f.StringVar(&serveOpts.logFormat, "log-format", "", "Log format: text, json")
	f.StringVar(&serveOpts.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error, off")
	f.IntVar(&serveOpts.lockTimeout, "lock-timeout", 0, "Default lock timeout in seconds")
	f.IntVar(&serveOpts.maxLockTimeout, "max-lock-timeout", 0, "Maximum lock timeout in seconds")
	f.Int64Var(&serveOpts.maxUpload, "max-upload", 0, "Upload ceiling in bytes (0 = unlimited)")
	f.IntVar(&serveOpts.maxDepth, "max-depth", 0, "Maximum path depth below root")
	f.StringVar(&serveOpts.trashDir, "trash-dir", "", "Trash directory (default <root>/.trash)")
	f.StringVar(&serveOpts.stateDir, "state-dir", "", "State directory (default <root>/.state)")
	f.StringSliceVar(&serveOpts.hide, "hide", nil, "Gitignore-style pattern to hide (repeatable)")
	f.BoolVar(&serveOpts.cors, "cors", true, "Send CORS headers")
	f.StringVar(&serveOpts.metricsListen, "metrics-listen", "", "Prometheus listener address (empty disables)")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags copies explicitly set flags over the loaded configuration
func applyServeFlags(cfg *config.Config, flags *pflag.FlagSet, o serveFlags) {
	set := flags.Changed
	if set("listen") {
		cfg.Listen = o.listen
	}
	if set("prefix") {
		cfg.Prefix = o.prefix
	}
	if set("root") {
		cfg.Root = o.root
	}
	if set("user") {
		cfg.Auth.Username = o.user
	}
	if set("password") {
		cfg.Auth.Password = o.password
	}
	if set("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if set("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if set("lock-timeout") {
		cfg.Locks.DefaultTimeout = o.lockTimeout
	}
	if set("max-lock-timeout") {
		cfg.Locks.MaxTimeout = o.maxLockTimeout
	}
	if set("max-upload") {
		cfg.MaxUploadBytes = o.maxUpload
	}
	if set("max-depth") {
		cfg.MaxDepth = o.maxDepth
	}
	if set("trash-dir") {
		cfg.TrashDir = o.trashDir
	}
	if set("state-dir") {
		cfg.StateDir = o.stateDir
	}
	if set("hide") {
		cfg.Hide = o.hide
	}
	if set("cors") {
		cfg.CORS = o.cors
	}
	if set("metrics-listen") {
		cfg.Metrics.Listen = o.metricsListen
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg, cmd.Flags(), serveOpts)
	if err := cfg.Finalize(); err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log.Format, cfg.Log.Level, os.Stderr); err != nil {
		return err
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
