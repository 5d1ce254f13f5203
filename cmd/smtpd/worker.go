package main

import (
	"fmt"
	"os"

	"github.com/infodancer/smtpd/internal/transform"
)

// runTransformWorker is the entry point a spawned smtpd process reaches
// when re-exec'd with "smtpd transform-worker <cmd> <tmpdir> <maildir>"
// by the master's transform.Dispatcher. It blocks on stdin, serving one
// message descriptor (which itself carries the recipient domain) at a
// time, until the master closes its end (spec.md §5 graceful shutdown).
func runTransformWorker(args []string) {
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "transform-worker: expected <cmd> <tmpdir> <maildir>")
		os.Exit(1)
	}
	shellCmd, tmpDir, maildropRoot := args[0], args[1], args[2]

	if err := transform.RunWorker(shellCmd, tmpDir, maildropRoot, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "transform-worker: %v\n", err)
		os.Exit(1)
	}
}
