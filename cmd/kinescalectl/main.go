// Command kinescalectl issues one-shot manual scaling operations against
// a stream, bypassing the monitor loop entirely, per spec.md section 6's
// manual-mode CLI.
package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kinescale/kinescale/internal/control"
	"github.com/kinescale/kinescale/internal/models"
	"github.com/kinescale/kinescale/internal/planner"
	"github.com/kinescale/kinescale/internal/scalemath"
	"github.com/kinescale/kinescale/internal/topology"
)

// exitUsage and exitOperational are the process exit codes spec.md
// section 6 defines for the manual CLI: 0 success, 1 usage error
// (cobra's own flag-parsing path), 2 operational failure.
const (
	exitUsage       = 1
	exitOperational = 2
)

type globals struct {
	streamName        string
	region            string
	minShards         int
	maxShards         int
	shardID           string
	waitForCompletion bool
}

func main() {
	g := &globals{}

	root := &cobra.Command{
		Use:           "kinescalectl",
		Short:         "Issue manual Kinesis shard scaling operations",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.streamName, "stream-name", "", "stream to operate on (required)")
	root.PersistentFlags().StringVar(&g.region, "region", "", "AWS region (defaults to the ambient AWS config)")
	root.PersistentFlags().IntVar(&g.minShards, "min-shards", 1, "lower bound for the resulting shard count")
	root.PersistentFlags().IntVar(&g.maxShards, "max-shards", 0, "upper bound for the resulting shard count (0 means unbounded)")
	root.PersistentFlags().StringVar(&g.shardID, "shard-id", "", "target shard ID (accepted but not read by any subcommand)")
	root.PersistentFlags().BoolVar(&g.waitForCompletion, "wait-for-completion", true, "wait for the stream to return to ACTIVE after each operation")
	root.MarkPersistentFlagRequired("stream-name")

	root.AddCommand(
		newScaleCommand(g, "scale-up", models.ScaleUp),
		newScaleCommand(g, "scale-down", models.ScaleDown),
		newResizeCommand(g),
		newReportCommand(g),
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitUsage)
	}
}

func buildAdapter(ctx context.Context, g *globals) (control.Adapter, *zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if g.region != "" {
		optFns = append(optFns, awsconfig.WithRegion(g.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := kinesis.NewFromConfig(awsCfg)
	return control.NewKinesisAdapter(client, nil, logger), logger, nil
}

func minMaxPtrs(g *globals) (min, max *int) {
	if g.minShards > 0 {
		min = &g.minShards
	}
	if g.maxShards > 0 {
		max = &g.maxShards
	}
	return
}

func newScaleCommand(g *globals, use string, direction models.ScaleDirection) *cobra.Command {
	var count, pct int

	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Scale %s by a count or percentage", g.streamName),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count == 0 && pct == 0 {
				return fmt.Errorf("one of --count or --pct is required")
			}

			ctx := cmd.Context()
			adapter, logger, err := buildAdapter(ctx, g)
			if err != nil {
				return exitWithOperationalError(err)
			}

			desc, err := adapter.Describe(ctx, g.streamName)
			if err != nil {
				return exitWithOperationalError(fmt.Errorf("describing stream: %w", err))
			}

			var countPtr, pctPtr *int
			if count > 0 {
				countPtr = &count
			} else if pct > 0 {
				pctPtr = &pct
			}
			min, max := minMaxPtrs(g)
			target := scalemath.NewShardCount(desc.OpenShardCount, countPtr, pctPtr, direction, min, max)

			result, err := planner.Resize(ctx, logger, adapter, g.streamName, control.KinesisMaxHashKey, target, g.minShards, g.maxShards, g.waitForCompletion)
			if err != nil {
				return exitWithOperationalError(err)
			}

			fmt.Printf("%s: %d -> %d shards (%d operations)\n", g.streamName, desc.OpenShardCount, len(result.Topology.Shards), result.OperationsExecuted)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "number of shards to add/remove")
	cmd.Flags().IntVar(&pct, "pct", 0, "percentage to scale by")
	return cmd
}

func newResizeCommand(g *globals) *cobra.Command {
	var targetCount int

	cmd := &cobra.Command{
		Use:   "resize",
		Short: "Resize the stream to an exact shard count",
		RunE: func(cmd *cobra.Command, args []string) error {
			if targetCount < 1 {
				return fmt.Errorf("--count must be >= 1")
			}

			ctx := cmd.Context()
			adapter, logger, err := buildAdapter(ctx, g)
			if err != nil {
				return exitWithOperationalError(err)
			}

			result, err := planner.Resize(ctx, logger, adapter, g.streamName, control.KinesisMaxHashKey, targetCount, g.minShards, g.maxShards, g.waitForCompletion)
			if err != nil {
				return exitWithOperationalError(err)
			}

			fmt.Printf("%s: resized to %d shards (%d operations)\n", g.streamName, len(result.Topology.Shards), result.OperationsExecuted)
			return nil
		},
	}
	cmd.Flags().IntVar(&targetCount, "count", 0, "exact target shard count (required)")
	return cmd
}

func newReportCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Describe the stream's current shard topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			adapter, _, err := buildAdapter(ctx, g)
			if err != nil {
				return exitWithOperationalError(err)
			}

			shards, err := adapter.ListOpenShards(ctx, g.streamName)
			if err != nil {
				return exitWithOperationalError(err)
			}

			// The listing can include closed parents; topology.Build keeps only open shards.
			raw := make([]models.Shard, len(shards))
			for i, s := range shards {
				raw[i] = models.Shard{ID: s.ID, StartHash: s.StartHash, EndHash: s.EndHash, ParentID: s.ParentID, AdjacentParentID: s.AdjacentParentID}
			}
			topo, err := topology.Build(raw, control.KinesisMaxHashKey)
			if err != nil {
				return exitWithOperationalError(err)
			}

			fmt.Printf("%s: %d open shards\n", g.streamName, len(topo.Shards))
			for _, s := range topo.Shards {
				fmt.Printf("  %s [%s,%s]\n", s.ID, s.StartHash, s.EndHash)
			}
			return nil
		},
	}
}

func exitWithOperationalError(err error) error {
	fmt.Fprintln(os.Stderr, "kinescalectl:", err)
	os.Exit(exitOperational)
	return err
}
