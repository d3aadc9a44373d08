package main

import (
	"context"
	"os/signal"
	"syscall"

	"agentrelay/internal/logging"
	"agentrelay/internal/store"

	"github.com/spf13/cobra"
)

var (
	serveListen  string
	serveDataDir string
)

// serveCmd runs the feed/state store
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the feed/state store server",
	Long: `Serves the message feed and the shared status document over HTTP:

  GET  /api/messages[?after=N]   feed entries in id order
  POST /api/messages             append {"sender", "message"}
  GET  /api/messages/stream      websocket push of new entries
  GET  /api/state                status document
  POST /api/state                deep-merge a patch into the status document`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides store.listen)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Store data directory (overrides store.data_dir)")
}

func runServe(cmd *cobra.Command, args []string) error {
	listen := cfg.Store.Listen
	if serveListen != "" {
		listen = serveListen
	}
	dir := cfg.Store.DataDir
	if serveDataDir != "" {
		dir = serveDataDir
	}

	fs, err := store.NewFileStore(dir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Boot("Serving store from %s", fs.Dir())
	return store.NewServer(fs).ListenAndServe(ctx, listen)
}
