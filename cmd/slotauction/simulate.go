package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/eigerco/slotauction/internal/config"
	"github.com/eigerco/slotauction/pkg/log"
)

func simulateCommand() *cobra.Command {
	var scenarioFile string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted scenario of auctions, bids and crowdloans",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errors.New("no config found in context")
			}
			sc, err := loadScenario(scenarioFile)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			stop := serveMetrics(cfg, reg)
			defer stop()

			r, err := openRuntime(cfg, reg)
			if err != nil {
				return err
			}
			defer func() {
				if err := r.Close(); err != nil {
					log.Root.Error().Err(err).Msg("close runtime")
				}
			}()

			out := cmd.OutOrStdout()
			if err := sc.run(cmd.Context(), r, out); err != nil {
				return fmt.Errorf("scenario: %w", err)
			}
			return printState(out, r)
		},
	}
	cmd.Flags().StringVar(&scenarioFile, "scenario", "", "path to scenario YAML file")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}
