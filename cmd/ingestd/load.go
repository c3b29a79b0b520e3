package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"ingest/internal/bulk"
	"ingest/internal/config"
	"ingest/internal/river"
	"ingest/internal/transport"
)

const maxLine = 16 * 1024 * 1024

func loadCommand(logger *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "bulk-load newline-delimited JSON documents",
		ArgsUsage: "<file|->",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "nodes", Usage: "comma-separated node addresses", EnvVars: []string{"INGEST_NODES"}, Required: true},
			&cli.StringFlag{Name: "index", Usage: "target index", Required: true},
			&cli.StringFlag{Name: "type", Value: "doc", Usage: "document type"},
			&cli.StringFlag{Name: "id-field", Usage: "top-level field holding the document id; ids are generated when empty"},
			&cli.BoolFlag{Name: "bulk-session", Usage: "disable index refresh while loading"},
			&cli.StringFlag{Name: "river", Usage: "record the load as a run of this river"},
			&cli.StringFlag{Name: "schedule", Usage: "cron schedule to repeat the load on; needs --river"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one input file", 2)
			}
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			bulkCfg, err := cfg.BulkClient()
			if err != nil {
				return err
			}
			clients := transport.NewClientManager()
			defer clients.Close()
			l := &loader{
				remote:  transport.NewRemote(clients, strings.Split(c.String("nodes"), ",")...),
				cfg:     bulkCfg,
				index:   c.String("index"),
				typ:     c.String("type"),
				idField: c.String("id-field"),
				session: c.Bool("bulk-session"),
				path:    c.Args().First(),
				logger:  logger,
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			name := c.String("river")
			if name == "" {
				if c.String("schedule") != "" {
					return cli.Exit("--schedule needs --river", 2)
				}
				_, err := l.load(ctx)
				return err
			}
			return l.runRiver(ctx, name, c.String("schedule"))
		},
	}
}

type loader struct {
	remote  *transport.Remote
	cfg     bulk.Config
	index   string
	typ     string
	idField string
	session bool
	path    string
	logger  logrus.FieldLogger
}

// runRiver records loads as runs of a river persisted in the cluster. With
// a schedule the load repeats until ctx is done.
func (l *loader) runRiver(ctx context.Context, name, schedule string) error {
	rivers := river.NewRegistry(l.remote, l.logger)
	if _, err := rivers.Register(ctx, river.State{
		Name:        name,
		Type:        "ndjson",
		Enabled:     true,
		Schedule:    schedule,
		Coordinates: river.DefaultCoordinates(name),
	}); err != nil {
		return err
	}
	if schedule != "" {
		next, err := rivers.NextRun(name, time.Now())
		if err != nil {
			return err
		}
		l.logger.WithField("action", "river").WithField("river", name).WithField("next_run", next).Info("waiting for schedule")
		rivers.Run(ctx, func(ctx context.Context, _ river.State) (map[string]any, error) {
			return l.load(ctx)
		})
		return nil
	}

	runID, err := rivers.Begin(ctx, name)
	if err != nil {
		return err
	}
	custom, loadErr := l.load(ctx)
	if loadErr != nil {
		if custom == nil {
			custom = make(map[string]any)
		}
		custom["error"] = loadErr.Error()
	}
	if err := rivers.End(ctx, name, custom); err != nil {
		l.logger.WithField("action", "river").WithField("run_id", runID).WithError(err).Error("cannot end run")
	}
	return loadErr
}

// load sends every line of the input through a new bulk client and
// returns the run's counters.
func (l *loader) load(ctx context.Context) (map[string]any, error) {
	in, err := l.open()
	if err != nil {
		return nil, err
	}
	defer in.Close()

	client := bulk.NewClient(l.remote, l.remote, l.cfg, bulk.LogListener{Logger: l.logger}, l.logger)
	if l.session {
		if err := client.StartBulk(ctx, l.index); err != nil {
			_ = client.Shutdown(ctx)
			return nil, err
		}
	}

	readErr := l.read(in, client)
	if err := client.Shutdown(ctx); err != nil && readErr == nil {
		readErr = err
	}

	m := client.Metric()
	l.logger.WithField("action", "load").WithField("index", l.index).Info(m.String())
	stats := map[string]any{
		"documents": m.Submitted(),
		"succeeded": m.Succeeded(),
		"failed":    m.Failed(),
		"bytes":     m.Bytes(),
		"took_ms":   m.Elapsed().Milliseconds(),
	}
	return stats, readErr
}

func (l *loader) read(in io.Reader, client *bulk.Client) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for scanner.Scan() {
		line++
		source := scanner.Bytes()
		if len(strings.TrimSpace(string(source))) == 0 {
			continue
		}
		source = append([]byte(nil), source...)
		var id string
		if l.idField != "" {
			v, err := jsonparser.GetString(source, l.idField)
			if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
				return errors.Wrapf(err, "line %d", line)
			}
			id = v
		}
		if err := client.Index(l.index, l.typ, id, source); err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
	}
	return errors.Wrap(scanner.Err(), "read input")
}

func (l *loader) open() (io.ReadCloser, error) {
	if l.path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(l.path)
	return f, errors.Wrap(err, "open input")
}
