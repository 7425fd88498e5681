// Copyright 2025 Poiesic Systems
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


package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/urfave/cli/v2"

	"github.com/poiesic/modeldepot"
	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/index"
	"github.com/poiesic/modeldepot/txn"
)

func main() {
	app := &cli.App{
		Name:  "modeldepot",
		Usage: "Transactional store for ML models and projects",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
			&cli.StringFlag{
				Name:     "store",
				Aliases:  []string{"s"},
				Usage:    "Store location: .log/.fs file, badger directory, or YAML config",
				Required: true,
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Create an empty store",
				Action: initCommand,
			},
			{
				Name:      "add-project",
				Usage:     "Create a project",
				ArgsUsage: "NAME",
				Action:    addProjectCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "description",
						Aliases: []string{"d"},
						Usage:   "Project description",
					},
				},
			},
			{
				Name:      "add-model",
				Usage:     "Store a model in a project",
				ArgsUsage: "PAYLOAD-FILE",
				Action:    addModelCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "project",
						Aliases:  []string{"p"},
						Usage:    "Project to add the model to",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:    "meta",
						Aliases: []string{"m"},
						Usage:   "Metadata field as key=value (repeatable)",
					},
				},
			},
			{
				Name:      "get",
				Usage:     "Print an object by ID",
				ArgsUsage: "ID",
				Action:    getCommand,
			},
			{
				Name:   "search",
				Usage:  "Find models by metadata",
				Action: searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "project",
						Aliases: []string{"p"},
						Usage:   "Restrict the search to one project",
					},
					&cli.StringSliceFlag{
						Name:    "where",
						Aliases: []string{"w"},
						Usage:   "Condition as key=predicate, e.g. accuracy='>=0.9' (repeatable)",
					},
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete an object by ID",
				ArgsUsage: "ID",
				Action:    deleteCommand,
			},
			{
				Name:   "bench",
				Usage:  "Measure concurrent commit throughput and conflict rate",
				Action: benchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "writers",
						Usage: "Number of concurrent writers",
						Value: 8,
					},
					&cli.IntFlag{
						Name:  "ops",
						Usage: "Total update attempts",
						Value: 200,
					},
					&cli.BoolFlag{
						Name:  "shared",
						Usage: "Make all writers contend on a single object",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openDepot(c *cli.Context) (*modeldepot.Depot, error) {
	return modeldepot.Open(context.Background(), c.String("store"))
}

func initCommand(c *cli.Context) error {
	d, err := openDepot(c)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer d.Close()

	fmt.Printf("store ready at %s\n", c.String("store"))
	return nil
}

func addProjectCommand(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return fmt.Errorf("project name is required")
	}

	d, err := openDepot(c)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer d.Close()

	id, err := d.AddProject(context.Background(), name, c.String("description"))
	if err != nil {
		return err
	}
	fmt.Printf("project %q added as object %s\n", name, id)
	return nil
}

func addModelCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("payload file is required")
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	meta := core.Map{}
	for _, kv := range c.StringSlice("meta") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid meta %q: want key=value", kv)
		}
		meta[key] = index.ParseScalar(value)
	}

	d, err := openDepot(c)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer d.Close()

	id, err := d.AddModel(context.Background(), c.String("project"), core.String(payload), meta)
	if err != nil {
		return err
	}
	fmt.Printf("model added as object %s\n", id)
	return nil
}

func getCommand(c *cli.Context) error {
	id, err := parseID(c.Args().First())
	if err != nil {
		return err
	}

	d, err := openDepot(c)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer d.Close()

	obj, err := d.Get(context.Background(), id)
	if err != nil {
		return err
	}
	printObject(id, obj)
	return nil
}

func searchCommand(c *cli.Context) error {
	conds := map[string]string{}
	for _, kv := range c.StringSlice("where") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid condition %q: want key=predicate", kv)
		}
		conds[key] = value
	}

	d, err := openDepot(c)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer d.Close()

	ctx := context.Background()
	ids, err := d.SearchModels(ctx, c.String("project"), conds)
	if err != nil {
		return err
	}
	for _, id := range ids {
		obj, err := d.Get(ctx, id)
		if err != nil {
			return err
		}
		printObject(id, obj)
	}
	fmt.Printf("%d model(s)\n", len(ids))
	return nil
}

func deleteCommand(c *cli.Context) error {
	id, err := parseID(c.Args().First())
	if err != nil {
		return err
	}

	d, err := openDepot(c)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer d.Close()

	if err := d.Delete(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("object %s deleted\n", id)
	return nil
}

func benchCommand(c *cli.Context) error {
	writers := c.Int("writers")
	ops := c.Int("ops")
	if writers <= 0 || ops <= 0 {
		return fmt.Errorf("writers and ops must be greater than 0")
	}

	d, err := openDepot(c)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer d.Close()

	ctx := context.Background()
	if _, err := d.AddProject(ctx, "bench", "bench workload"); err != nil &&
		!errors.Is(err, modeldepot.ErrDuplicateProject) {
		return err
	}

	// One hot object when --shared, one object per writer otherwise.
	targets := writers
	if c.Bool("shared") {
		targets = 1
	}
	ids := make([]core.ID, targets)
	for i := range ids {
		id, err := d.AddModel(ctx, "bench", core.String(fmt.Sprintf("payload-%d-%d", i, time.Now().UnixNano())),
			core.Map{"counter": core.Int(0)})
		if err != nil {
			return err
		}
		ids[i] = id
	}

	pool, err := ants.NewPool(writers)
	if err != nil {
		return err
	}
	defer pool.Release()

	var commits, conflicts, failures atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < ops; i++ {
		i := i
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			target := ids[i%len(ids)]
			err := d.Update(ctx, func(tx *txn.Tx) error {
				obj, err := tx.Read(ctx, target)
				if err != nil {
					return err
				}
				n := obj.Get("counter").(core.Int)
				if err := obj.SetChecked("counter", n+1); err != nil {
					return err
				}
				return tx.Write(ctx, target, obj)
			})
			switch {
			case err == nil:
				commits.Add(1)
			case errors.Is(err, txn.ErrConflict):
				conflicts.Add(1)
			default:
				failures.Add(1)
				slog.Error("bench update failed", "err", err)
			}
		}); err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("writers:   %d\n", writers)
	fmt.Printf("ops:       %d in %s (%.0f ops/s)\n", ops, elapsed.Round(time.Millisecond),
		float64(ops)/elapsed.Seconds())
	fmt.Printf("commits:   %d\n", commits.Load())
	fmt.Printf("conflicts: %d\n", conflicts.Load())
	if n := failures.Load(); n > 0 {
		fmt.Printf("failures:  %d\n", n)
	}
	return nil
}

func parseID(arg string) (core.ID, error) {
	if arg == "" {
		return 0, fmt.Errorf("object ID is required")
	}
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid object ID %q", arg)
	}
	return core.ID(n), nil
}

func printObject(id core.ID, obj *core.Object) {
	fmt.Printf("object %s (%s)\n", id, obj.Kind)
	for _, key := range obj.Fields.SortedKeys() {
		fmt.Printf("  %-14s %s\n", key, formatValue(obj.Fields[key]))
	}
}

func formatValue(v core.Value) string {
	switch v := v.(type) {
	case core.String:
		if len(v) > 60 {
			return fmt.Sprintf("%q... (%d bytes)", string(v[:57]), len(v))
		}
		return strconv.Quote(string(v))
	case core.Int:
		return strconv.FormatInt(int64(v), 10)
	case core.Float:
		return strconv.FormatFloat(float64(v), 'g', -1, 64)
	case core.Bool:
		return strconv.FormatBool(bool(v))
	case core.Time:
		return time.Time(v).Format(time.RFC3339)
	case core.Ref:
		return "-> " + core.ID(v).String()
	case core.List:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case core.Map:
		parts := make([]string, 0, len(v))
		for _, k := range v.SortedKeys() {
			parts = append(parts, k+": "+formatValue(v[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("%v", v)
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
