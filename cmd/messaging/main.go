// Package main starts the messaging real-time service and handles termination.
//
// The process is a transport adapter around connection lifecycle, message
// persistence, and rank channel fan-out for mariners at sea.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	messagingcmd "github.com/harborlink/harborlink/internal/cmd/messaging"
)

func main() {
	cfg, err := messagingcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[MESSAGING] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := messagingcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
