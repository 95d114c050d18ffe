package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// Confusion counts account-level outcomes against the planted labels.
type Confusion struct {
	TruePositives  int
	FalsePositives int
	FalseNegatives int
	PerPattern     map[string]PatternRecall
}

// PatternRecall is the share of planted accounts caught for one pattern.
type PatternRecall struct {
	Planted int
	Caught  int
}

// Compare matches flagged accounts with the planted labels.
func Compare(planted map[string]string, flagged []domain.SuspiciousAccount) Confusion {
	c := Confusion{PerPattern: make(map[string]PatternRecall)}
	hit := make(map[string]bool, len(flagged))
	for _, acc := range flagged {
		hit[acc.AccountID] = true
		if _, ok := planted[acc.AccountID]; ok {
			c.TruePositives++
		} else {
			c.FalsePositives++
		}
	}
	for account, label := range planted {
		pr := c.PerPattern[label]
		pr.Planted++
		if hit[account] {
			pr.Caught++
		} else {
			c.FalseNegatives++
		}
		c.PerPattern[label] = pr
	}
	return c
}

// Precision is TP / (TP + FP).
func (c Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// Recall is TP / (TP + FN).
func (c Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// Latency summarises round-trip times of repeated uploads.
type Latency struct {
	Samples []time.Duration
}

// Percentile returns the nearest-rank percentile, p in (0, 100].
func (l Latency) Percentile(p float64) time.Duration {
	if len(l.Samples) == 0 {
		return 0
	}
	sorted := slices.Clone(l.Samples)
	slices.Sort(sorted)
	idx := int(float64(len(sorted))*p/100+0.5) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

// Mean returns the average sample.
func (l Latency) Mean() time.Duration {
	if len(l.Samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range l.Samples {
		total += s
	}
	return total / time.Duration(len(l.Samples))
}

func printResults(result *domain.DetectionResult, c *Confusion, lat Latency) {
	fmt.Println()
	fmt.Println("BENCHMARK RESULTS")
	fmt.Println("=================")

	s := result.Summary
	fmt.Printf("\nDETECTION SUMMARY\n")
	fmt.Printf("   Accounts Analyzed:   %d\n", s.TotalAccountsAnalyzed)
	fmt.Printf("   Accounts Flagged:    %d\n", s.SuspiciousAccountsFlagged)
	fmt.Printf("   Fraud Rings:         %d\n", s.FraudRingsDetected)
	fmt.Printf("   Cycles:              %d\n", result.Details.CyclesDetected)
	fmt.Printf("   Fan-in / Fan-out:    %d / %d\n", result.Details.FanInPatterns, result.Details.FanOutPatterns)
	fmt.Printf("   Shell Chains:        %d\n", result.Details.LayeredShellChains)

	if c != nil {
		fmt.Printf("\nACCURACY\n")
		fmt.Printf("   TP / FP / FN:        %d / %d / %d\n", c.TruePositives, c.FalsePositives, c.FalseNegatives)
		fmt.Printf("   Precision:           %.4f\n", c.Precision())
		fmt.Printf("   Recall:              %.4f\n", c.Recall())
		fmt.Printf("   F1-Score:            %.4f\n", c.F1())

		patterns := make([]string, 0, len(c.PerPattern))
		for p := range c.PerPattern {
			patterns = append(patterns, p)
		}
		slices.Sort(patterns)
		for _, p := range patterns {
			pr := c.PerPattern[p]
			fmt.Printf("   %-20s %d / %d (%.1f%%)\n", p+":", pr.Caught, pr.Planted, 100*ratio(pr.Caught, pr.Planted))
		}
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Server Processing:   %.3fs\n", s.ProcessingTimeSeconds)
	fmt.Printf("   Round Trips:         %d\n", len(lat.Samples))
	fmt.Printf("   Mean Latency:        %v\n", lat.Mean().Round(time.Millisecond))
	fmt.Printf("   p50 / p95:           %v / %v\n",
		lat.Percentile(50).Round(time.Millisecond),
		lat.Percentile(95).Round(time.Millisecond))
	fmt.Println()
}
