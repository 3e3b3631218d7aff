// Package bench — latency/main.go
//
// Submit latency benchmark.
//
// Measures the wall-clock time of Spine.Submit() — Sensor, Gate,
// Drafter, Verifier, Gate, Ledger append — against an in-process stub
// Drafter backend, isolating the pipeline's own overhead from whatever
// latency a real upstream model adds.
//
// Output CSV columns:
//
//	iteration, latency_us, decision
//
// Exit code: 1 if p99 exceeds the -p99-budget-us target.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/constitution"
	"github.com/govspine/govspine/internal/drafter"
	"github.com/govspine/govspine/internal/gate"
	"github.com/govspine/govspine/internal/ledger"
	"github.com/govspine/govspine/internal/sensor"
	"github.com/govspine/govspine/internal/spine"
	"github.com/govspine/govspine/internal/verifier"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of Submit calls to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	dbPath := flag.String("db", "", "BoltDB path (default: a temp file that is removed on exit)")
	p99BudgetUs := flag.Int("p99-budget-us", 50000, "Fail if p99 latency exceeds this many microseconds")
	flag.Parse()

	path := *dbPath
	if path == "" {
		f, err := os.CreateTemp("", "govspine-bench-*.db")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create temp db: %v\n", err)
			os.Exit(1)
		}
		path = f.Name()
		f.Close()
		defer os.Remove(path)
	}

	log := zap.NewNop()

	led, err := ledger.Open(path, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		os.Exit(1)
	}
	defer led.CloseDB() //nolint:errcheck

	snap := constitution.Default()
	store, err := constitution.NewStore(snap, "", log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "new constitution store: %v\n", err)
		os.Exit(1)
	}

	sp := spine.New(spine.Config{
		Constitution:         store,
		Sensor:               sensor.New(nil, log),
		Gate:                 gate.New(),
		Drafter:              drafter.New(&stubBackend{}, log),
		Verifier:             verifier.New(nil, log),
		Ledger:               led,
		Log:                  log,
		PromptTemplate:       "{{text}}",
		MaxOutstandingDrafts: 32,
	})

	islandID, err := sp.OpenIsland()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open island: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "decision"})

	const histMax = 2_000_000 // 2s in microseconds
	hist := make([]int, histMax+1)

	ctx := context.Background()
	for i := 0; i < *iterations; i++ {
		start := time.Now()
		res, err := sp.Submit(ctx, islandID, "please summarize the quarterly report", time.Now().Add(5*time.Second))
		latency := time.Since(start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "submit %d: %v\n", i, err)
			os.Exit(1)
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs > histMax {
			latencyUs = histMax
		}
		hist[latencyUs]++

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(int(latency.Microseconds())),
			string(res.Decision.Action),
		})
	}

	p50, p95, p99 := computePercentiles(hist, *iterations)

	fmt.Printf("Submit Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > *p99BudgetUs {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dµs exceeds %dµs target\n", p99, *p99BudgetUs)
		os.Exit(1)
	}
}

// stubBackend returns a fixed draft immediately, so the benchmark
// measures the pipeline's own overhead rather than network latency to a
// real upstream model.
type stubBackend struct{}

func (stubBackend) Generate(_ context.Context, prompt string, _ drafter.Params) (string, *float64, error) {
	return "Here is a summary of the quarterly report.", nil, nil
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
