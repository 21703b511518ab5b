// Command jobworker runs a worker.Worker with a demo workload, exporting
// its stats on a Prometheus endpoint.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
