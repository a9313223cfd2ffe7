package main

import (
	"errors"
	"fmt"
	"os"

	"feed-loader/internal/app"
	"feed-loader/internal/logging"
)

// main runs the feed-loader CLI and exits non-zero on any fatal error.
func main() {
	runner := app.NewAppRunner()

	err := runner.Run(os.Args[1:])
	if err != nil {
		if errors.Is(err, app.ErrUsage) || errors.Is(err, app.ErrConfigNotFound) || errors.Is(err, app.ErrMissingArgs) {
			fmt.Fprintln(os.Stderr, "")
			runner.Usage(os.Stderr)
		}

		// Fatal errors are always logged, even with logging turned off.
		if logging.GetLevel() < logging.Error {
			logging.SetLevel(logging.Error)
		}
		logging.Logf(logging.Error, "feed-loader failed: %v", err)
		os.Exit(1)
	}
}
