package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"leadgen/internal/app"
	"leadgen/internal/logger"
)

const (
	flagNiche  = "niche"
	flagCity   = "city"
	flagRadius = "radius-km"

	defaultSeedRadiusKM = 10.0
)

var (
	seedNiche    string
	seedCity     string
	seedRadiusKM float64
)

// addSeedFlags lets run and drain create a campaign before claiming, which
// gives an in-memory store something to work on.
func addSeedFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&seedNiche, flagNiche, "", "Create a campaign for this niche before running")
	cmd.Flags().StringVar(&seedCity, flagCity, "", "City of the seeded campaign, e.g. \"Guelph, ON\"")
	cmd.Flags().Float64Var(&seedRadiusKM, flagRadius, defaultSeedRadiusKM, "Search radius of the seeded campaign")
}

func seedCampaign(ctx context.Context, rt *app.App) error {
	if seedNiche == "" && seedCity == "" {
		return nil
	}
	if seedNiche == "" || seedCity == "" {
		return fmt.Errorf("--%s and --%s must be given together", flagNiche, flagCity)
	}
	if seedRadiusKM <= 0 {
		return fmt.Errorf("--%s must be positive", flagRadius)
	}
	c, job, err := rt.Store.CreateCampaign(ctx, seedNiche, seedCity, seedRadiusKM)
	if err != nil {
		return fmt.Errorf("seed campaign: %w", err)
	}
	logger.InfoWithFields("campaign seeded", map[string]interface{}{"campaign_id": c.ID, "job_id": job.ID})
	return nil
}

func getRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch of claimable jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), cfg, useMemory)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := seedCampaign(cmd.Context(), rt); err != nil {
				return err
			}

			summary, err := rt.Runner.RunBatch(cmd.Context())
			if err != nil {
				return fmt.Errorf("run batch: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	addSeedFlags(cmd)
	return cmd
}

func getDrainCmd() *cobra.Command {
	var batches int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run batches until no job can be claimed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if batches < 1 {
				return fmt.Errorf("--%s must be at least 1", flagBatches)
			}
			rt, err := newRuntime(cmd.Context(), cfg, useMemory)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := seedCampaign(cmd.Context(), rt); err != nil {
				return err
			}

			summaries, err := rt.Runner.Drain(cmd.Context(), batches)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), summaries)
		},
	}
	cmd.Flags().IntVar(&batches, flagBatches, 20, "Maximum number of batches to run")
	addSeedFlags(cmd)
	return cmd
}

func getMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// app.New applies migrations before returning.
			rt, err := newRuntime(cmd.Context(), cfg, useMemory)
			if err != nil {
				return err
			}
			rt.Close()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}
}
