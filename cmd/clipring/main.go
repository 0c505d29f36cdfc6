// Command clipring creates or joins a clipboard ring and runs a ring
// member in the foreground.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/i5heu/clipring"
	"github.com/i5heu/clipring/internal/config"
	"github.com/i5heu/clipring/pkg/identity"
	"github.com/spf13/cobra"
)

// cliConfig holds the persistent flags shared by every command.
type cliConfig struct { // A
	dataDir string
	debug   bool
	port    int
}

func (c *cliConfig) dir() (string, error) { // A
	if c.dataDir != "" {
		return c.dataDir, nil
	}
	return clipring.DefaultDir()
}

func (c *cliConfig) vault() (*identity.Vault, error) { // A
	dir, err := c.dir()
	if err != nil {
		return nil, err
	}
	return identity.NewVault(filepath.Join(dir, identity.FileName), nil), nil
}

func (c *cliConfig) configPath() (string, error) { // A
	dir, err := c.dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.FileName), nil
}

func newRootCmd() *cobra.Command { // A
	cfg := &cliConfig{}
	root := &cobra.Command{
		Use:   "clipring",
		Short: "Share one clipboard between your devices",
		Long: `clipring keeps the clipboard of every device in a ring in sync over the
local network. A ring is defined by a 24 word secret phrase: create one
with 'clipring new', then run 'clipring join' on every other device.

Usage:
  clipring <command> [flags]`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfg.dataDir, "data", "",
		"directory holding identity and settings (default: user config dir)")
	root.PersistentFlags().BoolVar(&cfg.debug, "debug", false,
		"enable debug logging")
	root.PersistentFlags().IntVar(&cfg.port, "port", 0,
		"sync port (default 5566)")

	root.AddCommand(
		newNewCmd(cfg),
		newJoinCmd(cfg),
		newShowCmd(cfg),
		newStartCmd(cfg),
	)
	return root
}

func main() { // A
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
