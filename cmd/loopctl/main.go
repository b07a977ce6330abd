// Command loopctl runs, resumes and inspects governed build loops.
package main

import (
	"fmt"
	"os"
)

func main() {
	err := Execute(os.Stdout, os.Stderr, os.Args[1:])
	if err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(os.Stderr, "loopctl: %s\n", msg)
		}
		os.Exit(ExitCode(err))
	}
}
