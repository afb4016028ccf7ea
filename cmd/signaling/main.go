package main

import (
	"context"
	"os"

	"github.com/mossy-p/blink-signaling/internal/commands"
)

func main() {
	if err := commands.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
