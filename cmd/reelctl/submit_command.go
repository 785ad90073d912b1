package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/reelforge/api/internal/ingress"
	"github.com/reelforge/api/internal/model"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		jobType  string
		data     string
		priority string
		attempts int
		queue    string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a job for the server through asynq",
		Long:  "Enqueue a job for the server through asynq. --data takes inline JSON or @path to read it from a file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readData(data)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if queue == "" {
				queue = cfg.Asynq.Queue
			}

			client := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()

			info, err := ingress.NewEnqueuer(client, queue).Enqueue(cmd.Context(), model.SubmitJobRequest{
				Type:        model.JobType(jobType),
				Data:        payload,
				Priority:    priority,
				MaxAttempts: attempts,
				Metadata:    map[string]any{"submittedBy": "reelctl"},
			})
			if err != nil {
				return err
			}

			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]string{"taskId": info.ID, "queue": info.Queue})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %s on %s\n", info.ID, info.Queue)
			return nil
		},
	}

	cmd.Flags().StringVarP(&jobType, "type", "t", "", "Job type (render, renditions, watermark)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Job payload as JSON, or @file")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Priority (low, normal, high, urgent)")
	cmd.Flags().IntVar(&attempts, "max-attempts", 0, "Attempts before the job is failed")
	cmd.Flags().StringVar(&queue, "queue", "", "asynq queue (defaults to the configured one)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

// readData returns the payload of --data, reading @path from disk.
func readData(v string) (json.RawMessage, error) {
	raw := []byte(v)
	if path, ok := strings.CutPrefix(v, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("--data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
