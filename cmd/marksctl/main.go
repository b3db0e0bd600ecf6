// cmd/marksctl/main.go
//
// Operator console for a running marking daemon. Connects to the daemon's
// ingress API and shows a live job table plus sandbox pool health.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/tui"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8750", "base URL of the marking daemon")
	flag.Parse()

	if err := tui.Run(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error running console: %v\n", err)
		os.Exit(1)
	}
}
