// Package bench — ticklatency/main.go
//
// Trust engine tick latency measurement tool.
//
// Measures the wall-clock time of a single Engine.Tick call in a tight
// loop: arithmetic and fixed-capacity state updates only, no I/O, no
// blocking — the wait-free hot path the core dynamics contract demands.
//
// Method:
//  1. Locks to an OS thread to minimise scheduling jitter.
//  2. Runs N ticks of a synthetic OK/FROZEN/BLANK/CORRUPTED mix against a
//     single Engine, timing each with time.Now() before and after.
//  3. Writes per-tick latency to a CSV file.
//  4. Reports p50/p95/p99 from a 1ns-resolution histogram covering
//     0-100µs.
//
// Output CSV columns: iteration, latency_ns, status
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/visionguard/visionguard/internal/trust"
	"github.com/visionguard/visionguard/internal/vision"
)

func main() {
	iterations := flag.Int("iterations", 100000, "Number of Tick calls to measure")
	outputFile := flag.String("output", "ticklatency_raw.csv", "Output CSV file path")
	hz := flag.Float64("hz", 30.0, "Simulated frame rate, Hz")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_ns", "status"})

	engine := trust.NewEngine(trust.DefaultRates(), trust.DefaultThresholds())
	dt := 1.0 / *hz
	timestamp := 0.0

	statuses := []vision.Status{vision.StatusOK, vision.StatusOK, vision.StatusOK, vision.StatusFrozen, vision.StatusOK, vision.StatusBlank, vision.StatusOK, vision.StatusCorrupted}

	const histBuckets = 100000 // 0-100000ns (100µs) resolution
	var hist [histBuckets]int

	for i := 0; i < *iterations; i++ {
		timestamp += dt
		status := statuses[i%len(statuses)]

		start := time.Now()
		_, _, _ = engine.Tick(timestamp, status, 0.02)
		latency := time.Since(start)

		latencyNs := int(latency.Nanoseconds())
		if latencyNs < histBuckets {
			hist[latencyNs]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyNs),
			status.String(),
		})
	}

	p50, p95, p99 := computePercentiles(hist[:], *iterations)

	fmt.Printf("Tick Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dns\n", p50)
	fmt.Printf("  p95: %dns\n", p95)
	fmt.Printf("  p99: %dns\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	// Exit 1 if p99 exceeds 10µs — generous given Tick is pure arithmetic
	// plus a mutex acquisition, no I/O, on any modern core.
	if p99 > 10000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dns exceeds 10000ns target\n", p99)
		os.Exit(1)
	}
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
