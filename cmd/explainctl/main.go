// Command explainctl explains adaptation decisions recorded in a JSON-lines
// adaptation log, either offline with a local pipeline or against a running
// explanation server over gRPC.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
