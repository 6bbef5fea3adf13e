package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/arborworks/arbor/internal/conversation"
	"github.com/arborworks/arbor/internal/launcher"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/models"
)

// newRunCommand is the runtime entry: one invocation drives one task
// process to quiescence. Spawned by the launcher, rarely run by hand.
func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "run <task_id>",
		Short:  "Run the task work loop for an existing task (runtime entry)",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()
			rt.serveMetrics()

			r, err := rt.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), taskID, cfg.Runtime.MaxIterations)
		},
	}
}

func newSpawnCommand() *cobra.Command {
	var (
		model         string
		message       string
		taskID        string
		noRecursion   bool
		maxIterations int
		noStart       bool
	)
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Create a new root task (or resume one) and start its process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" && taskID == "" {
				return fmt.Errorf("either --message or --task-id is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			opts := launcher.Options{
				TaskID:           taskID,
				Model:            model,
				DisableRecursion: noRecursion,
				MaxIterations:    maxIterations,
				StartProcess:     !noStart,
			}
			if message != "" {
				opts.InitialMessages = []string{message}
			}
			result, err := rt.launcher.Launch(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Printf("task_id: %s\npid: %d\n", result.TaskID, result.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model short name or ARN")
	cmd.Flags().StringVarP(&message, "message", "m", "", "initial user message")
	cmd.Flags().StringVar(&taskID, "task-id", "", "existing task id to resume")
	cmd.Flags().BoolVar(&noRecursion, "no-recursion", false, "withhold the spawn_task tool")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget (default from config)")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "create the task without starting a process")
	return cmd
}

func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <task_id> <message>",
		Short: "Queue a user message to a task, waking it if stopped",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, message := args[0], args[1]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			env := models.NewTextEnvelope(models.EnvelopeUser, message, "")
			return rt.queue.Enqueue(cmd.Context(), taskID, env, true)
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [task_id]",
		Short: "Show one task's status and children, or every known task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()
			ctx := cmd.Context()

			var ids []string
			if len(args) == 1 {
				ids = []string{args[0]}
				tree, err := launcher.ChildTree(ctx, rt.store, args[0])
				if err != nil {
					return err
				}
				ids = append(ids, tree...)
			} else {
				keys, err := rt.store.Keys(ctx, "task:*")
				if err != nil {
					return err
				}
				for _, key := range keys {
					if id, ok := store.TaskIDFromConversationKey(key); ok {
						ids = append(ids, id)
					}
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tPID\tCPU%\tMODEL\tCHILDREN\tLAST TOOL")
			for _, id := range ids {
				task, err := store.GetTask(ctx, rt.store, id)
				if err != nil {
					continue
				}
				alive, pid, cpu := rt.probe.Check(ctx, id)
				status := models.StatusStopped
				if alive {
					status = models.StatusRunning
				}
				lastTool := "-"
				if conv, err := store.GetConversation(ctx, rt.store, id); err == nil {
					if name, at, ok := conversation.LastToolUse(conv); ok {
						elapsed := time.Duration(models.NowEpoch()-at) * time.Second
						lastTool = fmt.Sprintf("%s (%s ago)", name, elapsed.Round(time.Second))
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%s\t%d\t%s\n",
					id, status, pid, cpu, task.ModelName, len(task.Children), lastTool)
			}
			return w.Flush()
		},
	}
}

func newTranscriptCommand() *cobra.Command {
	var details bool
	cmd := &cobra.Command{
		Use:   "transcript <task_id>",
		Short: "Print a task's conversation as readable text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			conv, err := store.GetConversation(cmd.Context(), rt.store, args[0])
			if err != nil {
				return err
			}
			fmt.Println(conversation.Transcribe(conv, details))
			return nil
		},
	}
	cmd.Flags().BoolVar(&details, "details", false, "include tool inputs and results")
	return cmd
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <task_id>",
		Short: "Ask a running task process to terminate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			return rt.store.Publish(cmd.Context(), store.KillRequestsChannel,
				map[string]string{"task_id": args[0]})
		},
	}
}
