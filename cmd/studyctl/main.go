// Command studyctl runs and inspects the pipeline for one study from the
// command line.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/propsavant/demalytics/internal/analysis"
	"github.com/propsavant/demalytics/internal/store"
	"github.com/propsavant/demalytics/internal/studies"
	"github.com/propsavant/demalytics/internal/tiles"
)

func main() {
	var opts sessionOptions
	var models analysis.Options

	rootCmd := &cobra.Command{
		Use:          "studyctl",
		Short:        "Run and inspect storage demand studies",
		SilenceUsage: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&opts.Memory, "memory", false, "use an in-memory store instead of the database")
	pf.StringVar(&opts.Geometry, "geometry", "", "study polygon as WGS84 GeoJSON (with --memory)")
	pf.StringVar(&opts.Sources, "sources", "", "NDJSON source geographies in WGS84 (with --memory)")
	pf.StringVar(&opts.Facilities, "facilities", "", "NDJSON facility points in WGS84 (with --memory)")
	pf.StringVar(&models.DemandModel, "demand-model", "", "demand model name")
	pf.StringVar(&models.SupplyModel, "supply-model", "", "supply model name")
	pf.StringVar(&models.RingModel, "ring-model", "", "ring model name")

	rootCmd.AddCommand(runCmd(&opts, &models))
	rootCmd.AddCommand(analyzeCmd(&opts, &models))
	rootCmd.AddCommand(resultsCmd(&opts, &models))
	rootCmd.AddCommand(exportCmd(&opts, &models))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// studyArgs accepts a study id, or nothing with --memory.
func studyArgs(opts *sessionOptions) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if opts.Memory {
			return cobra.MaximumNArgs(1)(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	}
}

func runCmd(opts *sessionOptions, models *analysis.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run [study-id]",
		Short: "Run the full pipeline",
		Args:  studyArgs(opts),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), *opts, args)
			if err != nil {
				return err
			}
			report, err := s.Pipeline().Run(cmd.Context(), s.Study, *models)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func analyzeCmd(opts *sessionOptions, models *analysis.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [study-id]",
		Short: "Rerun residual aggregation from stored demand and supply",
		Args:  studyArgs(opts),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), *opts, args)
			if err != nil {
				return err
			}
			report, err := s.Pipeline().Analyze(cmd.Context(), s.Study, *models)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func resultsCmd(opts *sessionOptions, models *analysis.Options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "results [study-id]",
		Short: "Print boundaries ordered by residual",
		Args:  studyArgs(opts),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), *opts, args)
			if err != nil {
				return err
			}
			if err := s.runIfMemory(cmd.Context(), *models); err != nil {
				return err
			}
			_, recs, err := s.Pipeline().Results(cmd.Context(), s.Study)
			if err != nil {
				return err
			}
			codes, err := s.codes(cmd.Context())
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), recs, codes, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "rows to print, 0 for all")
	return cmd
}

func exportCmd(opts *sessionOptions, models *analysis.Options) *cobra.Command {
	var out string
	var publish bool
	cmd := &cobra.Command{
		Use:   "export [study-id]",
		Short: "Write analysed boundaries as NDJSON, or publish them as a tileset",
		Args:  studyArgs(opts),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, *opts, args)
			if err != nil {
				return err
			}
			if err := s.runIfMemory(ctx, *models); err != nil {
				return err
			}
			st, recs, err := s.Pipeline().Results(ctx, s.Study)
			if err != nil {
				return err
			}
			bs, err := s.Store.Boundaries(ctx, s.Study)
			if err != nil {
				return err
			}
			feats := tiles.AnalysisFeatures(recs, bs)

			if publish {
				if s.Services.Publisher == nil {
					return fmt.Errorf("tile publishing is not configured")
				}
				id := studies.TilesetID(st.ID)
				job, err := s.Services.Publisher.Export(ctx, id, st.Name, feats)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Published %s (job %s)\n", id, job)
				return nil
			}

			var buf bytes.Buffer
			if err := tiles.WriteNDJSON(&buf, feats); err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = buf.WriteTo(cmd.OutOrStdout())
				return err
			}
			return os.WriteFile(out, buf.Bytes(), 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish to the tileset service instead of writing a file")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResults(w io.Writer, recs []store.BoundaryAnalysisRecord, codes map[uuid.UUID]string, limit int) error {
	sorted := append([]store.BoundaryAnalysisRecord(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Residual > sorted[j].Residual })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "code\tdemand\tsupply\tresidual\t")
	for _, r := range sorted {
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.1f\t\n", codes[r.BoundaryID], r.Demand, r.Supply, r.Residual)
	}
	return tw.Flush()
}
