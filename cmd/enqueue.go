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
	"fmt"
	"time"

	"github.com/blnkfinance/payflow"
	"github.com/spf13/cobra"
)

// enqueueCommands adds one job from the command line. The payload is validated exactly as
// a producer's would be.
func enqueueCommands(app *payflowInstance) *cobra.Command {
	var (
		jobID       string
		priority    string
		delay       time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:     "enqueue <queue> <jobType> <json>",
		Short:   "add a job to a queue",
		Example: `payflow enqueue registration applyBonus '{"accountId": 42}'`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.queueOnly(); err != nil {
				return err
			}
			defer app.close()

			opts := []payflow.EnqueueOption{payflow.WithPriority(payflow.Priority(priority))}
			if jobID != "" {
				opts = append(opts, payflow.WithJobID(jobID))
			}
			if delay > 0 {
				opts = append(opts, payflow.WithDelay(delay))
			}
			if maxAttempts > 0 {
				opts = append(opts, payflow.WithMaxAttempts(maxAttempts))
			}

			id, err := app.queue.EnqueueRaw(cmd.Context(), args[0], payflow.JobType(args[1]), []byte(args[2]), opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id; a job with the same id is not queued twice")
	cmd.Flags().StringVar(&priority, "priority", string(payflow.PriorityDefault), "critical, default or low")
	cmd.Flags().DurationVar(&delay, "delay", 0, "wait before the job becomes eligible")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempts before the job fails (default from config)")
	return cmd
}
