package main

import (
	"context"
	"log"

	"duet/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}
