package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"chainrunner/internal/progress"
)

func NewProgressCommand(rootOpts *RootOptions) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:           "progress",
		Short:         "Tail progress snapshots from a running chain API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(rootOpts, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tailProgress(ctx, url, printer{format: rootOpts.Format, w: cmd.OutOrStdout()})
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:8081/comfymobile/api/chains/progress", "progress websocket URL")
	return cmd
}

// tailProgress prints every chain_progress message until ctx ends or the
// server closes the stream.
func tailProgress(ctx context.Context, url string, p printer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close()
	slog.Debug("connected", "url", url)

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var msg progress.Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != progress.MessageType {
			slog.Debug("ignoring message", "raw", string(raw))
			continue
		}
		if err := p.emit(msg, describeSnapshot(msg.Data)); err != nil {
			return err
		}
	}
}
