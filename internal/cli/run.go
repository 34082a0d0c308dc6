package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chainrunner/internal/chain"
	"chainrunner/internal/comfy"
	"chainrunner/internal/executor"
	"chainrunner/internal/progress"
	"chainrunner/internal/staging"
	"chainrunner/internal/tracelog"
)

type RunOptions struct {
	Server      string
	BasePath    string
	SettleDelay time.Duration
	TraceDir    string
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run <chain.json|chain.yaml>",
		Short: "Execute a chain file and print progress",
		Long: `Execute a chain file against a remote job server.

Progress snapshots are printed as they happen, followed by the execution
result. The exit status is non-zero when the chain does not complete.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(rootOpts, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChain(ctx, rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", envOr("COMFY_SERVER_URL", "http://127.0.0.1:8188"), "remote job server URL")
	cmd.Flags().StringVar(&opts.BasePath, "base-path", os.Getenv("COMFY_BASE_PATH"), "server root holding output/ and input/")
	cmd.Flags().DurationVar(&opts.SettleDelay, "settle-delay", executor.DefaultSettleDelay, "pause between steps")
	cmd.Flags().StringVar(&opts.TraceDir, "trace-dir", "", "write an execution trace to this directory")
	return cmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func runChain(ctx context.Context, rootOpts *RootOptions, opts *RunOptions, file string, cmd *cobra.Command) error {
	c, err := chain.LoadFile(file)
	if err != nil {
		return err
	}
	slog.Info("chain loaded", "name", c.DisplayName(), "steps", len(c.Steps))

	client, err := comfy.New(comfy.DefaultConfig(opts.Server))
	if err != nil {
		return err
	}
	stager, err := staging.NewManager(staging.Config{BasePath: opts.BasePath})
	if err != nil {
		return err
	}

	broadcaster := progress.NewBroadcaster()
	execOpts := executor.Options{
		Client:   client,
		Stager:   stager,
		Progress: broadcaster,
		Settler:  executor.FixedDelay{Delay: opts.SettleDelay},
	}
	if opts.TraceDir != "" {
		execOpts.Trace = tracelog.New(opts.TraceDir)
	}
	exec, err := executor.New(execOpts)
	if err != nil {
		return err
	}

	p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
	res, err := execute(ctx, exec, broadcaster, c, p)
	if err != nil {
		return err
	}
	if err := p.emit(res, describeResult(res)); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("chain %s %s", c.DisplayName(), res.Status)
	}
	return nil
}

// execute runs c while printing every progress message. A cancelled ctx
// interrupts the run instead of abandoning it.
func execute(ctx context.Context, exec *executor.Executor, b *progress.Broadcaster, c chain.Chain, p printer) (chain.ExecutionResult, error) {
	queue := progress.NewQueue("chainctl", 64)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for msg := range queue.C() {
			if msg.Data.ChainID == nil && !msg.Data.Completed {
				continue
			}
			_ = p.emit(msg, describeSnapshot(msg.Data))
		}
	}()
	b.Subscribe(queue)

	id, done, err := exec.Start(context.Background(), c)
	if err != nil {
		b.Unsubscribe(queue.ID())
		queue.Close()
		<-printed
		return chain.ExecutionResult{}, err
	}
	slog.Debug("execution started", "executionId", id)

	var res chain.ExecutionResult
	select {
	case res = <-done:
	case <-ctx.Done():
		slog.Info("interrupting", "executionId", id)
		exec.Interrupt(context.Background())
		res = <-done
	}
	b.Unsubscribe(queue.ID())
	queue.Close()
	<-printed
	return res, nil
}

func describeResult(r chain.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", r.ExecutionID, r.Status)
	if r.Error != "" {
		fmt.Fprintf(&b, " (%s)", r.Error)
	}
	for i, s := range r.StepResults {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, s.StepName)
		if !s.Success {
			fmt.Fprintf(&b, " failed: %s", s.Error)
			continue
		}
		for _, o := range s.Outputs {
			fmt.Fprintf(&b, "\n     %s -> %s", o.SourceNodeID, o.CachedPath)
		}
	}
	return b.String()
}
