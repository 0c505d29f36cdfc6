package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/i5heu/clipring"
	"github.com/i5heu/clipring/internal/config"
	"github.com/spf13/cobra"
)

var errRingExists = errors.New("this device already belongs to a ring; pass --force to replace it")

func newNewCmd(cfg *cliConfig) *cobra.Command { // A
	var force bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a new ring and print its secret phrase",
		Long: `Creates a new ring on this device and prints its secret phrase once.

The phrase is the only way to add other devices to the ring. It is not
stored anywhere in readable form, so write it down now.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := cfg.vault()
			if err != nil {
				return err
			}
			if vault.Exists() && !force {
				return errRingExists
			}
			id, err := vault.Create()
			if err != nil {
				return fmt.Errorf("create ring: %w", err)
			}
			printPhrase(cmd.OutOrStdout(), id.Phrase())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing ring")
	return cmd
}

func newJoinCmd(cfg *cliConfig) *cobra.Command { // A
	var force bool
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join an existing ring with its secret phrase",
		Long: `Reads the secret phrase of an existing ring from standard input and
stores it for this device.

Examples:
  clipring join
  echo "word1 word2 ..." | clipring join`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := cfg.vault()
			if err != nil {
				return err
			}
			if vault.Exists() && !force {
				return errRingExists
			}
			fmt.Fprint(cmd.ErrOrStderr(), "Secret phrase: ")
			phrase, err := readPhrase(cmd.InOrStdin())
			if err != nil {
				return err
			}
			id, err := vault.Join(phrase)
			if err != nil {
				return fmt.Errorf("join ring: %w", err)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(),
				"Joined ring %s\n", id.DiscoveryToken[:8])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing ring")
	return cmd
}

func newShowCmd(cfg *cliConfig) *cobra.Command { // A
	return &cobra.Command{
		Use:   "show",
		Short: "Show this device and its ring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := cfg.vault()
			if err != nil {
				return err
			}
			deviceID, err := vault.DeviceID()
			if err != nil {
				return err
			}
			path, err := cfg.configPath()
			if err != nil {
				return err
			}
			settings, err := config.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			label := color.New(color.Bold).SprintFunc()
			fmt.Fprintf(out, "%s %s\n", label("Device:"), deviceID)
			fmt.Fprintf(out, "%s %s\n", label("Name:"), settings.DisplayName)
			if id, err := vault.Load(); err == nil {
				fmt.Fprintf(out, "%s %s\n", label("Ring:"), id.DiscoveryToken)
			} else {
				fmt.Fprintf(out, "%s %s\n", label("Ring:"), color.RedString("none (%v)", err))
			}
			fmt.Fprintf(out, "%s %s\n", label("Identity:"), vault.Path())
			fmt.Fprintf(out, "%s %s\n", label("Settings:"), path)
			return nil
		},
	}
}

func newStartCmd(cfg *cliConfig) *cobra.Command { // A
	return &cobra.Command{
		Use:   "start",
		Short: "Run this device as a ring member until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cfg.dir()
			if err != nil {
				return err
			}
			level := slog.LevelInfo
			if cfg.debug {
				level = slog.LevelDebug
			}
			listen := ""
			if cfg.port != 0 {
				listen = ":" + strconv.Itoa(cfg.port)
			}
			node, err := clipring.New(clipring.Config{
				Dir:        dir,
				ListenAddr: listen,
				LogLevel:   level,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := node.Run(ctx); err != nil {
				return fmt.Errorf("run node: %w", err)
			}
			return nil
		},
	}
}

// printPhrase shows the phrase as numbered words, four per line.
func printPhrase(w io.Writer, phrase string) { // A
	warn := color.New(color.FgYellow, color.Bold)
	word := color.New(color.FgCyan)
	warn.Fprintln(w, "Write down this secret phrase. It is shown only once.")
	fmt.Fprintln(w)
	for i, wd := range strings.Fields(phrase) {
		fmt.Fprintf(w, "%2d. ", i+1)
		word.Fprintf(w, "%-10s", wd)
		if (i+1)%4 == 0 {
			fmt.Fprintln(w)
		} else {
			fmt.Fprint(w, "  ")
		}
	}
	fmt.Fprintln(w)
}

func readPhrase(r io.Reader) (string, error) { // A
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read phrase: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return "", errors.New("no phrase given")
	}
	return line, nil
}
