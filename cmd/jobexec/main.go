package main

import (
	"fmt"
	"os"

	"jobexec/internal/app"
)

func main() {
	if err := newRootCmd(app.Options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
