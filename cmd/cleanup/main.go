// Command cleanup compacts an authrelay data directory: expired codes,
// pending authorizations and tokens are dropped and the JSON files are
// rewritten. The server sweeps on a timer already; this exists for cron jobs
// and for tidying a directory the server is not currently holding open.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/authrelay/authrelay/internal/config"
	"github.com/authrelay/authrelay/internal/store/jsonfile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Opening the store already drops expired and malformed records and
	// rewrites the files; Sweep catches anything that expired since load.
	store, err := jsonfile.Open(cfg.Store.DataDir, strings.Join(cfg.OAuth.DefaultScopes, " "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open data directory %s: %v\n", cfg.Store.DataDir, err)
		os.Exit(1)
	}

	swept := store.Sweep()
	stats := store.Stats()

	fmt.Printf("Compacted %s\n", cfg.Store.DataDir)
	fmt.Printf("  clients:         %d\n", stats["clients"])
	fmt.Printf("  pending:         %d\n", stats["pending"])
	fmt.Printf("  codes:           %d\n", stats["codes"])
	fmt.Printf("  access tokens:   %d\n", stats["access_tokens"])
	fmt.Printf("  refresh tokens:  %d\n", stats["refresh_tokens"])
	if swept > 0 {
		fmt.Printf("  swept:           %d expired records\n", swept)
	}
}
