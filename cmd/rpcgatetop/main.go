// Command rpcgatetop is a terminal dashboard that polls a running rpcgate
// instance's /stats and /health endpoints and renders per-endpoint request
// counts, failure/rate-limit totals, and average response time.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	addr := flag.String("addr", "http://localhost:8545", "base URL of the rpcgate instance to monitor")
	flag.Parse()

	p := tea.NewProgram(newModel(*addr), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "rpcgatetop:", err)
		os.Exit(1)
	}
}
