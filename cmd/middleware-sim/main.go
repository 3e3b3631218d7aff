// Package main — cmd/middleware-sim/main.go
//
// Governance pipeline simulator.
//
// Purpose: exercise Sensor → Gate (and, if -ledger is set, the Ledger)
// against a stream of synthetic utterances, without a live Drafter or
// Verifier, to validate a Constitution's threshold tuning before it is
// deployed. Utterances are generated across a sweep of "aggressiveness"
// levels rather than sampled from the corpus, so a threshold regression
// shows up as a shift in the decision histogram rather than requiring a
// captured traffic sample.
//
// Output: per-step CSV to stdout (step, aggressiveness, tension, drift,
// risk, poav, action).
// Summary: decision histogram and block/rewrite rate to stderr.
//
// Usage:
//
//	middleware-sim [flags]
//	middleware-sim -steps 5000 -seed 42 -ledger /tmp/sim.db
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/constitution"
	"github.com/govspine/govspine/internal/gate"
	"github.com/govspine/govspine/internal/ledger"
	"github.com/govspine/govspine/internal/sensor"
)

func main() {
	steps := flag.Int("steps", 5000, "Number of synthetic utterances to simulate")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	ledgerPath := flag.String("ledger", "", "If set, also append every step to a BoltDB ledger at this path")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	log := zap.NewNop()
	snap := constitution.Default()
	g := gate.New()
	sens := sensor.New(nil, log) // no embedder: every step runs on the neutral-drift fallback

	var led *ledger.Ledger
	var islandID string
	if *ledgerPath != "" {
		var err error
		led, err = ledger.Open(*ledgerPath, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: open ledger: %v\n", err)
			os.Exit(1)
		}
		defer led.CloseDB() //nolint:errcheck
		islandID, err = led.CreateIsland(snap.Version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: create island: %v\n", err)
			os.Exit(1)
		}
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"step", "aggressiveness", "tension", "drift", "risk", "poav", "action"})

	counts := map[gate.Action]int{}
	var window []sensor.Turn

	for i := 0; i < *steps; i++ {
		aggressiveness := float64(i%1000) / 1000.0 // sweeps 0→1 and repeats
		text := syntheticUtterance(rng, aggressiveness)

		sensed := sens.Sense(text, window, &snap)
		poav := gate.ComputePOAV(sensed.Triple, 0, 1.0, snap.Weights)
		decision := g.Evaluate(gate.Inputs{
			Triple:         sensed.Triple,
			POAV:           poav,
			SensorDegraded: sensed.SensorDegraded,
			Text:           text,
		}, &snap)
		counts[decision.Action]++

		if led != nil {
			_, err := led.Append(islandID, ledger.KindUserInput, map[string]string{"text": text}, sensed.Triple, &poav, &decision, snap.Version)
			if err != nil {
				fmt.Fprintf(os.Stderr, "ERROR: ledger append: %v\n", err)
				os.Exit(1)
			}
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(aggressiveness, 'f', 4, 64),
			strconv.FormatFloat(sensed.Triple.T, 'f', 6, 64),
			strconv.FormatFloat(sensed.Triple.S, 'f', 6, 64),
			strconv.FormatFloat(sensed.Triple.R, 'f', 6, 64),
			strconv.FormatFloat(poav, 'f', 6, 64),
			string(decision.Action),
		})

		window = append(window, sensor.Turn{User: text})
		if len(window) > 8 {
			window = window[1:]
		}
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\n=== DECISION HISTOGRAM (%d steps) ===\n", *steps)
	for _, a := range []gate.Action{gate.Pass, gate.Rewrite, gate.Block} {
		pct := 100 * float64(counts[a]) / float64(*steps)
		fmt.Fprintf(os.Stderr, "%-8s %6d (%.1f%%)\n", a, counts[a], pct)
	}
	if led != nil {
		ok, err := led.VerifyChain(islandID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: verify chain: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "ledger chain valid: %v\n", ok)
	}
}

// syntheticUtterance generates text whose trailing exclamation count
// scales with aggressiveness ∈ [0,1] (0 to 6 marks), so the resulting
// tension rises as the sweep progresses. Word count (4–9) and word choice
// are random and do not depend on aggressiveness, and the word list
// contains none of the default risk-domain keywords.
func syntheticUtterance(rng *rand.Rand, aggressiveness float64) string {
	exclaims := int(math.Round(aggressiveness * 6))
	words := []string{"please", "need", "now", "urgent", "help", "immediately", "ignore", "previous", "instructions"}
	n := 4 + rng.Intn(6)
	text := ""
	for i := 0; i < n; i++ {
		text += words[rng.Intn(len(words))] + " "
	}
	for i := 0; i < exclaims; i++ {
		text += "!"
	}
	return text
}
