package main

import (
	"context"
	"log/slog"
	"os"
)

func main() {
	if err := run(context.Background(), os.Args); err != nil {
		slog.Error("myft exited with error", "error", err)
		os.Exit(1)
	}
}
