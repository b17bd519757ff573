package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/outpost-sys/outpost/internal/broker"
	"github.com/outpost-sys/outpost/internal/config"
)

type statusReport struct {
	Broker        string   `json:"broker"`
	Urgent        bool     `json:"urgent_exchange_scheduled"`
	AcceptedTypes []string `json:"accepted_types"`
}

func runStatusCommand(ctx context.Context, dataDir string, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: outpost status")
		return 2
	}

	cfg, err := config.Load(config.Path(dataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	client := broker.NewClient(cfg.Broker.Listen)
	urgent, err := client.IsUrgent(reqCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker at %s not reachable: %v\n", cfg.Broker.Listen, err)
		return 1
	}
	types, err := client.AcceptedTypes(reqCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "accepted types: %v\n", err)
		return 1
	}
	sort.Strings(types)

	report := statusReport{
		Broker:        cfg.Broker.Listen,
		Urgent:        urgent,
		AcceptedTypes: types,
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("Broker:          %s (up)\n", report.Broker)
	next := "regular interval"
	if report.Urgent {
		next = "urgent"
	}
	fmt.Printf("Next exchange:   %s\n", next)
	if len(report.AcceptedTypes) == 0 {
		fmt.Println("Accepted types:  (none yet; first exchange pending)")
	} else {
		fmt.Printf("Accepted types:  %d\n", len(report.AcceptedTypes))
		for _, t := range report.AcceptedTypes {
			fmt.Printf("  - %s\n", t)
		}
	}
	return 0
}

func runExchangeCommand(ctx context.Context, dataDir string, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: outpost exchange")
		return 2
	}

	cfg, err := config.Load(config.Path(dataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	client := broker.NewClient(cfg.Broker.Listen)
	if err := client.RequestExchange(reqCtx); err != nil {
		fmt.Fprintf(os.Stderr, "request exchange: %v\n", err)
		return 1
	}
	fmt.Println("exchange requested")
	return 0
}
