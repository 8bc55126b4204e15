package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"wg-tunneld/cmd"
	"wg-tunneld/models"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var confFile string

	root := &cobra.Command{
		Use:           cmd.AppName,
		Short:         "WireGuard tunnel orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&confFile, "config", cmd.DefaultConfigName, "toml conf file")

	root.AddCommand(newServeCmd(&confFile))
	root.AddCommand(newImportCmd(&confFile))
	root.AddCommand(newGenkeyCmd())
	root.AddCommand(newPubkeyCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newGenkeyCmd() *cobra.Command {
	var psk bool
	c := &cobra.Command{
		Use:   "genkey",
		Short: "Print a new private key",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			gen := models.NewPrivateKey
			if psk {
				gen = models.NewPresharedKey
			}
			k, err := gen()
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), k.String())
			return nil
		},
	}
	c.Flags().BoolVar(&psk, "psk", false, "print a preshared key instead")
	return c
}

func newPubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Read a private key from stdin and print its public key",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(c.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading private key: %w", err)
			}
			priv, err := models.ParseKey(strings.TrimSpace(line))
			if err != nil {
				return err
			}
			pub, err := priv.PublicKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), pub.String())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			fmt.Fprint(c.ErrOrStderr(), cmd.BuildVersionOutput("WireGuard Tunnel Daemon"))
		},
	}
}
