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
	"fmt"

	"github.com/spf13/cobra"

	"webdavd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
	Long:  `Commands for inspecting and creating webdavd configuration files.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration webdavd would run with, after defaults, the
--config file and WEBDAVD_* environment variables are applied. The password
is masked.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init <file>",
	Short: "Write the default configuration to a file",
	Long: `Writes the commented default configuration to <file>.
Existing files are never overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigInit,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Finalize(); err != nil {
		return err
	}
	out, err := cfg.Redacted().Marshal()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.WriteDefault(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", args[0])
	return nil
}
