/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blnkfinance/payflow"
	"github.com/spf13/cobra"
)

func queueCommands(app *payflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "inspect and clean payflow queues",
	}
	cmd.AddCommand(queueStatsCommand(app))
	cmd.AddCommand(queueCleanCommand(app))
	return cmd
}

func queueStatsCommand(app *payflowInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [queue...]",
		Short: "print job counts per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.queueOnly(); err != nil {
				return err
			}
			defer app.close()

			queues := args
			if len(queues) == 0 {
				queues = payflow.Queues()
			}
			out := make([]*payflow.QueueStats, 0, len(queues))
			for _, q := range queues {
				stats, err := app.queue.Stats(cmd.Context(), q)
				if err != nil {
					return fmt.Errorf("stats for %s: %w", q, err)
				}
				out = append(out, stats)
			}
			data, err := json.MarshalIndent(out, "", "    ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func queueCleanCommand(app *payflowInstance) *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
		state     string
	)
	cmd := &cobra.Command{
		Use:   "clean <queue>",
		Short: "delete finished jobs older than a grace period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.queueOnly(); err != nil {
				return err
			}
			defer app.close()

			n, err := app.queue.Clean(cmd.Context(), args[0], olderThan, limit, payflow.JobState(state))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d %s jobs from %s\n", n, state, args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only delete jobs finished before this long ago")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of jobs to delete")
	cmd.Flags().StringVar(&state, "state", string(payflow.StateCompleted), "completed or failed")
	return cmd
}
