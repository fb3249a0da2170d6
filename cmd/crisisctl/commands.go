package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"crisisrag/internal/app/bootstrap"
	"crisisrag/internal/domain/rag"
	"crisisrag/internal/domain/search"
)

func newIngestCmd(factory containerFactory) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ingest [source]",
		Short: "Run one ingestion pass for all sources or a single source",
		Long: `Fetches signals once, stores new documents and queues them for embedding.
Without an argument every enabled source runs; failures in one source do not stop the others.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, factory, func(ctx context.Context, c *bootstrap.Container) error {
				if len(args) == 1 {
					res, err := c.Ingest.RunSource(ctx, args[0])
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(cmd, res)
					}
					cmd.Printf("%s: fetched=%d inserted=%d duplicates=%d alerts=%d enqueued=%d errors=%d\n",
						res.Source, res.Fetched, res.Inserted, res.Duplicates, res.Alerts, res.Enqueued, res.Errors)
					if !res.Success {
						return fmt.Errorf("source %s failed: %s", res.Source, res.Error)
					}
					return nil
				}

				report := c.Ingest.RunFull(ctx)
				if asJSON {
					return printJSON(cmd, report)
				}
				for _, src := range c.Ingest.Sources() {
					res := report.Sources[src]
					if res == nil {
						continue
					}
					status := "ok"
					if !res.Success {
						status = "failed: " + res.Error
					}
					cmd.Printf("  %-10s inserted=%-4d duplicates=%-4d enqueued=%-4d %s\n",
						src, res.Inserted, res.Duplicates, res.Enqueued, status)
				}
				cmd.Printf("Status: %s (%d inserted, %d ms)\n", report.Status, report.Totals.Inserted, report.DurationMS)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the run report as JSON")
	return cmd
}

func newEmbedCmd(factory containerFactory) *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Process pending embedding tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, factory, func(ctx context.Context, c *bootstrap.Container) error {
				if c.Worker == nil {
					return errors.New("no embedding provider configured (set EMBEDDING_API_KEY)")
				}
				process := c.Worker.ProcessBatch
				if drain {
					process = c.Worker.Drain
				}
				res, err := process(ctx)
				cmd.Printf("claimed=%d completed=%d failed=%d requeued=%d\n", res.Claimed, res.Completed, res.Failed, res.Requeued)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "keep processing until the queue is empty")
	return cmd
}

func newAskCmd(factory containerFactory) *cobra.Command {
	var (
		opts   rag.Options
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Answer a question from recent incidents and response protocols",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, factory, func(ctx context.Context, c *bootstrap.Container) error {
				res, err := c.RAG.RetrieveAndGenerate(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd, res)
				}
				cmd.Println(res.GeneratedResponse)
				cmd.Println()
				for i, inc := range res.Incidents {
					cmd.Printf("  [%d] %s (%s, %.2f)\n", i+1, inc.Title, inc.Source, inc.Score)
				}
				for _, p := range res.Protocols {
					cmd.Printf("  [protocol] %s\n", p.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.DisasterType, "type", "", "disaster type hint, e.g. flood")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location hint")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "severity hint")
	cmd.Flags().BoolVar(&opts.SkipCache, "no-cache", false, "bypass the response cache")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the full result as JSON")
	return cmd
}

func newSearchCmd(factory containerFactory) *cobra.Command {
	var (
		limit   int
		lexical bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search stored documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, factory, func(ctx context.Context, c *bootstrap.Container) error {
				query := args[0]
				opts := search.Options{Limit: limit}

				var vec []float32
				if c.Embedder != nil && !lexical {
					vecs, err := c.Embedder.Embed(ctx, []string{query})
					if err == nil && len(vecs) > 0 {
						vec = vecs[0]
					}
				}
				hits, err := c.Search.HybridSearch(ctx, query, vec, search.HybridOptions{Options: opts})
				if err != nil {
					return err
				}
				if len(hits) == 0 {
					cmd.Println("No results found.")
					return nil
				}
				for i, h := range hits {
					title := h.Document.Title
					if title == "" {
						title = h.Document.ID
					}
					cmd.Printf("  [%d] %s (%.3f, %s)\n", i+1, title, h.Score, h.Method)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", search.DefaultLimit, "maximum number of results")
	cmd.Flags().BoolVar(&lexical, "lexical", false, "skip the vector leg")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
