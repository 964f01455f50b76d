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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"webdavd/internal/locks"
	"webdavd/internal/props"
	"webdavd/internal/server"
	"webdavd/internal/state"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show persisted server state",
	Long: `Reads the state directory of the configured root and prints the active
locks, the number of resources carrying dead properties and the size of the
trash. Safe to run while the server is up.

Examples:
  webdavd info
  webdavd info --config /etc/webdavd.yaml`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Finalize(); err != nil {
		return err
	}

	fsys := osfs.New("/")
	active, err := locks.ReadFile(state.NewFile(fsys, filepath.Join(cfg.StateDir, server.LocksFile)), time.Now())
	if err != nil {
		return fmt.Errorf("failed to read locks: %w", err)
	}
	deadProps, err := props.ReadFile(state.NewFile(fsys, filepath.Join(cfg.StateDir, server.PropsFile)))
	if err != nil {
		return fmt.Errorf("failed to read properties: %w", err)
	}
	trashed, err := countEntries(cfg.TrashDir)
	if err != nil {
		return fmt.Errorf("failed to read trash: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Root: %s\n", cfg.Root)
	fmt.Fprintf(out, "State: %s\n", cfg.StateDir)
	fmt.Fprintf(out, "Trash: %s (%d entries)\n", cfg.TrashDir, trashed)
	fmt.Fprintf(out, "Dead properties: %d resource(s)\n", len(deadProps))
	printLocks(out, cfg.Root, active)
	return nil
}

func printLocks(out io.Writer, root string, active []locks.Lock) {
	fmt.Fprintf(out, "Active locks: %d\n", len(active))
	now := time.Now()
	for _, l := range active {
		rel, err := filepath.Rel(root, l.Path)
		if err != nil {
			rel = l.Path
		}
		fmt.Fprintf(out, "  /%s  %s depth=%s expires in %s  %s\n",
			filepath.ToSlash(rel), l.Scope, l.Depth, l.Remaining(now).Round(time.Second), l.Token)
	}
}

func countEntries(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
