package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/alaya/internal"
	"github.com/starford/alaya/internal/search"
	pkgconfig "github.com/starford/alaya/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if _, err := pkgconfig.LoadOptional(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if vault := cmd.String("vault"); vault != "" {
		cfg.Vault.Path = vault
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("mcp") {
		cfg.MCP.Stdio = true
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func reindex(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	res, err := internal.Reindex(ctx, cfg, cmd.Bool("full"))
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	for p, ferr := range res.Failures {
		fmt.Fprintf(os.Stderr, "failed: %s: %v\n", p, ferr)
	}
	return nil
}

func runSearch(ctx context.Context, cmd *cli.Command) error {
	query := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("search: a query is required")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	results, err := internal.Search(ctx, cfg, search.Query{
		Text:      query,
		Directory: cmd.String("dir"),
		Tags:      cmd.StringSlice("tag"),
		Limit:     int(cmd.Int("limit")),
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No notes matching that query.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tPATH\tTITLE")
	for _, r := range results {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\n", r.Score, r.Path, r.Title)
	}
	return tw.Flush()
}

func main() {
	cmd := &cli.Command{
		Name:   "alaya",
		Usage:  "Markdown vault indexer with incremental reindexing and hybrid semantic search",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "vault",
				Usage:   "Vault directory (overrides vault.path)",
				Sources: cli.EnvVars("ALAYA_VAULT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, watcher and scheduler",
				Action: serve,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "mcp", Usage: "Also serve MCP over stdio"},
				},
			},
			{
				Name:   "reindex",
				Usage:  "Reindex the vault once and print the result",
				Action: reindex,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "full", Usage: "Rebuild every note instead of only changed ones"},
				},
			},
			{
				Name:      "search",
				Usage:     "Search the index",
				ArgsUsage: "<query>",
				Action:    runSearch,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Usage: "Restrict to a top-level directory"},
					&cli.StringSliceFlag{Name: "tag", Usage: "Require a tag (repeatable)"},
					&cli.IntFlag{Name: "limit", Value: 10, Usage: "Maximum number of results"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
