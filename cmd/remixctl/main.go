// remixctl drives a remix job through the queue from the command line:
// join, poll until admitted, run the copy command, report the outcome.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/client"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/config"
)

var (
	serverURL string
	clientID  string
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "remixctl",
		Short: "Client for the remix admission queue",
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", cfg.ServerURL, "queue service base URL")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", cfg.ClientID, "client id for rate limiting")

	joinCmd := &cobra.Command{
		Use:   "join <source_repo> <target_repo>",
		Short: "Enqueue a remix job and print its queue id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().Join(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("queue_id=%s position=%d\n", res.QueueID, res.Position)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <queue_id>",
		Short: "Poll a job's queue position once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().Position(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("status=%s position=%d can_start=%v\n", res.Status, res.Position, res.CanStart)
			return nil
		},
	}

	doneCmd := &cobra.Command{
		Use:   "done <queue_id>",
		Short: "Mark a job done and release the slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := newClient().Done(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ok=%v\n", ok)
			return nil
		},
	}

	errorCmd := &cobra.Command{
		Use:   "error <queue_id>",
		Short: "Mark a job failed and release the slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := newClient().Error(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ok=%v\n", ok)
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <source_repo> <target_repo> -- <command> [args...]",
		Short: "Join, wait for admission, run the copy command, report the outcome",
		Long: "Waits in the queue and, once admitted, runs the given command with " +
			"REMIX_QUEUE_ID, REMIX_SOURCE_REPO and REMIX_TARGET_REPO in its environment. " +
			"The command performs the actual repository copy.",
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			exe := commandExecutor{name: args[2], args: args[3:]}
			poller := client.NewPoller(newClient(), cfg.PollInterval, logger)
			return poller.Run(cmd.Context(), args[0], args[1], exe)
		},
	}

	rootCmd.AddCommand(joinCmd, statusCmd, doneCmd, errorCmd, runCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverURL, clientID)
}

// commandExecutor runs an external command as the job executor; the
// queue itself never performs the repository copy.
type commandExecutor struct {
	name string
	args []string
}

func (e commandExecutor) Execute(ctx context.Context, job client.RemixJob) error {
	cmd := exec.CommandContext(ctx, e.name, e.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"REMIX_QUEUE_ID="+job.QueueID,
		"REMIX_SOURCE_REPO="+job.SourceRepo,
		"REMIX_TARGET_REPO="+job.TargetRepo,
	)
	return cmd.Run()
}
