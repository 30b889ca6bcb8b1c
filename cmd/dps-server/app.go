package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/dps-go/internal/infra/buildinfo"
	"github.com/yndnr/dps-go/internal/infra/confloader"
	"github.com/yndnr/dps-go/internal/server/config"
)

// App creates the server application. Running it without a command
// starts the node.
func App() *cli.App {
	return &cli.App{
		Name:    "dps-server",
		Usage:   "Distributed directory service node",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Action:  serveAction,
		Commands: []*cli.Command{
			serveCommand(),
			configCommand(),
			versionCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to configuration file",
			EnvVars: []string{"DPS_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Override log.level: debug, info, warn, error",
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Start the node (default)",
		Action: serveAction,
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration utilities",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Validate the configuration and print it with secrets masked",
				Action: func(c *cli.Context) error {
					cfg, _, err := loadConfig(c.String("config"), c.String("log-level"))
					if err != nil {
						return err
					}
					enc := json.NewEncoder(c.App.Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(config.Sanitize(cfg))
				},
			},
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintf(c.App.Writer, "dps-server %s\n", buildinfo.String())
			return err
		},
	}
}

func serveAction(c *cli.Context) error {
	cfg, loader, err := loadConfig(c.String("config"), c.String("log-level"))
	if err != nil {
		return err
	}
	return run(c.Context, cfg, loader)
}

// loadConfig applies defaults, then the file, then DPS_* variables, then
// the command line override, and verifies the result.
func loadConfig(path, levelOverride string) (*config.ServerConfig, *confloader.Loader, error) {
	cfg := config.Default()

	var opts []confloader.Option
	if path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}
	if levelOverride != "" {
		opts = append(opts, confloader.WithOverrides(map[string]any{"log.level": levelOverride}))
	}
	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Verify(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}
