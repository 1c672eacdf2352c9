// Copyright 2025 The ultrad Authors
// This file is part of ultrad.
//
// ultrad is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// ultrad is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with ultrad. If not, see <http://www.gnu.org/licenses/>.

// ultrad runs the dynamic query engine against a simulated overlay: a fleet
// of in-process ultrapeer neighbours with a configurable hit model. It
// exists to exercise the engine end to end and to eyeball its pacing
// behaviour under different overlay shapes.
//
//	ultrad --nodes 24 --queries 8 --duration 30s
//	ultrad --config sim.toml
package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/p2psearch/ultrad/dq"
)

// simSettings is the TOML-loadable simulation shape. Flags override the
// file where given.
type simSettings struct {
	Nodes    int     `toml:"nodes"`
	Degree   int     `toml:"degree"`
	MaxTTL   int     `toml:"maxttl"`
	HitRate  float64 `toml:"hitrate"`
	HitBatch int     `toml:"hitbatch"`
	Queries  int     `toml:"queries"`
	Guided   bool    `toml:"guided"`
	Seed     int64   `toml:"seed"`

	Engine engineSettings `toml:"engine"`
}

type engineSettings struct {
	LeafResults          int `toml:"leaf_results"`
	ProbeFanout          int `toml:"probe_fanout"`
	MaxQueriedUltrapeers int `toml:"max_queried_ultrapeers"`
}

var defaultSettings = simSettings{
	Nodes:    24,
	Degree:   12,
	MaxTTL:   4,
	HitRate:  0.25,
	HitBatch: 6,
	Queries:  4,
	Guided:   true,
	Seed:     1,
}

func main() {
	app := &cli.App{
		Name:  "ultrad",
		Usage: "drive the dynamic query engine over a simulated overlay",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML simulation config"},
			&cli.IntFlag{Name: "nodes", Usage: "simulated ultrapeer neighbours"},
			&cli.IntFlag{Name: "queries", Usage: "leaf queries to launch"},
			&cli.DurationFlag{Name: "duration", Value: 30 * time.Second, Usage: "how long to run"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ultrad:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	settings := defaultSettings
	if path := ctx.String("config"); path != "" {
		if _, err := toml.DecodeFile(path, &settings); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if ctx.IsSet("nodes") {
		settings.Nodes = ctx.Int("nodes")
	}
	if ctx.IsSet("queries") {
		settings.Queries = ctx.Int("queries")
	}

	level := zapcore.InfoLevel
	if ctx.Bool("verbose") {
		level = zapcore.DebugLevel
	}
	logcfg := zap.NewDevelopmentConfig()
	logcfg.Level = zap.NewAtomicLevelAt(level)
	log, err := logcfg.Build()
	if err != nil {
		return err
	}
	defer log.Sync()

	registry := prometheus.NewRegistry()
	cfg := dq.DefaultConfig
	cfg.Logger = log
	cfg.Registry = registry
	if settings.Engine.LeafResults > 0 {
		cfg.LeafResults = settings.Engine.LeafResults
	}
	if settings.Engine.ProbeFanout > 0 {
		cfg.ProbeFanout = settings.Engine.ProbeFanout
	}
	if settings.Engine.MaxQueriedUltrapeers > 0 {
		cfg.MaxQueriedUltrapeers = settings.Engine.MaxQueriedUltrapeers
	}

	sim := newSimOverlay(settings, log)
	eng := dq.New(cfg, sim.overlay())
	sim.engine = eng
	eng.Start()
	defer eng.Stop()

	for i := 0; i < settings.Queries; i++ {
		if err := sim.launchQuery(i); err != nil {
			return err
		}
	}
	log.Info("queries launched",
		zap.Int("queries", settings.Queries),
		zap.Int("nodes", settings.Nodes),
		zap.Duration("duration", ctx.Duration("duration")))

	time.Sleep(ctx.Duration("duration"))

	log.Info("simulation over", zap.Int("active", eng.ActiveQueries()))
	return dumpStats(registry)
}

// dumpStats prints the engine counters gathered from the registry.
func dumpStats(registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			fmt.Printf("%-40s %12.0f\n", fam.GetName(), m.GetCounter().GetValue())
		}
	}
	return nil
}
