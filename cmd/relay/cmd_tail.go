package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"agentrelay/internal/feed"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var tailAfter int64

// tailCmd follows the feed live
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream new feed entries",
	Long: `Follows the feed over the store's websocket stream. With --after N the
entries after id N are replayed first.`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().Int64Var(&tailAfter, "after", -1, "Replay entries after this id first (-1 = only new entries)")
}

// streamURL turns the store's HTTP base URL into its websocket stream URL.
func streamURL(base string, after int64) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported store url scheme %q", u.Scheme)
	}
	u.Path += "/messages/stream"
	if after >= 0 {
		u.RawQuery = "after=" + strconv.FormatInt(after, 10)
	}
	return u.String(), nil
}

func formatEntry(e feed.Entry) string {
	return fmt.Sprintf("#%d [%s] %s: %s", e.ID, e.ReceivedAt.Local().Format("15:04:05"), e.Sender, e.Body)
}

func runTail(cmd *cobra.Command, args []string) error {
	target, err := streamURL(cfg.Store.URL, tailAfter)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", target, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	return tail(ctx, conn, cmd.OutOrStdout())
}

func tail(ctx context.Context, conn *websocket.Conn, out io.Writer) error {
	for {
		var e feed.Entry
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("stream ended: %w", err)
			}
			return err
		}
		fmt.Fprintln(out, formatEntry(e))
	}
}
