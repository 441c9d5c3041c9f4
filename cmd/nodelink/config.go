package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/risa-org/nodelink/config"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration helpers",
		Subcommands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "Load and verify the configuration, then print it",
				Action: checkConfig,
			},
		},
	}
}

func checkConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.Verify(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	w := c.App.Writer
	fmt.Fprintf(w, "node       %s (listen %s, advertise %s)\n", cfg.Node.ID, cfg.Node.Listen, cfg.Node.Advertise)
	fmt.Fprintf(w, "transport  %s\n", cfg.Transport.Kind)
	fmt.Fprintf(w, "reconnect  %d attempts, %v..%v\n", cfg.Reconnect.Attempts, cfg.Reconnect.Initial, cfg.Reconnect.Max)
	for _, p := range cfg.Peers {
		fmt.Fprintf(w, "peer       %s at %s\n", p.ID, p.Address)
	}
	if cfg.Discovery.Enabled {
		fmt.Fprintf(w, "discovery  %s:%d join %v\n", cfg.Discovery.Bind, cfg.Discovery.Port, cfg.Discovery.Join)
	}
	fmt.Fprintln(w, "configuration OK")
	return nil
}
