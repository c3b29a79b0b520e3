// Command ingestd runs an ingest node or bulk-loads documents into a
// cluster.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := logrus.New()
	app := &cli.App{
		Name:  "ingestd",
		Usage: "quorum-replicated document ingest",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"INGEST_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level",
				EnvVars: []string{"INGEST_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "log as JSON",
			},
		},
		Before: func(c *cli.Context) error {
			_ = godotenv.Load(".env")
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			if c.Bool("log-json") {
				logger.SetFormatter(&logrus.JSONFormatter{})
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(logger),
			loadCommand(logger),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
