// Benchmark tool for measuring Ringwatch detection accuracy and latency.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080
//	go run ./cmd/benchmark -out ledger.csv
//	go run ./cmd/benchmark -csv ledger.csv -labels ledger.csv.labels
//
// This tool:
//  1. Generates a synthetic ledger with planted cycles, fan-in, fan-out and
//     shell chains on top of random background transfers, or reads one
//  2. Uploads it to POST /detect
//  3. Compares the flagged accounts with the planted labels
//  4. Prints precision, recall, F1 and latency
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Ringwatch base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	csvPath := flag.String("csv", "", "Upload this CSV instead of generating one")
	labelsPath := flag.String("labels", "", "Planted labels for -csv (account_id,pattern)")
	outPath := flag.String("out", "", "Write the generated CSV (and <out>.labels) instead of uploading")
	seed := flag.Uint64("seed", 42, "Random seed for generation")
	accounts := flag.Int("accounts", 2000, "Background accounts")
	noise := flag.Int("noise", 8000, "Background transactions")
	cycles := flag.Int("cycles", 20, "Planted cycles")
	fanIns := flag.Int("fan-in", 10, "Planted fan-in aggregators")
	fanOuts := flag.Int("fan-out", 10, "Planted fan-out distributors")
	shells := flag.Int("shells", 10, "Planted layered shell chains")
	width := flag.Int("width", 12, "Counterparties per fan-in or fan-out")
	runs := flag.Int("runs", 3, "Number of uploads for latency measurement")
	timeout := flag.Duration("timeout", 5*time.Minute, "Per-request timeout")
	flag.Parse()

	var (
		data   []byte
		labels map[string]string
		err    error
	)

	if *csvPath != "" {
		data, err = os.ReadFile(*csvPath)
		if err != nil {
			fail("failed to read CSV", err)
		}
		if *labelsPath != "" {
			labels, err = readLabelsFile(*labelsPath)
			if err != nil {
				fail("failed to read labels", err)
			}
		}
	} else {
		ledger := Generate(LedgerConfig{
			Seed:          *seed,
			Accounts:      *accounts,
			Noise:         *noise,
			Cycles:        *cycles,
			FanIns:        *fanIns,
			FanOuts:       *fanOuts,
			Shells:        *shells,
			SmurfFanWidth: *width,
			Start:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Span:          30 * 24 * time.Hour,
		})
		fmt.Printf("Generated %d transactions, %d planted accounts\n", len(ledger.Rows), len(ledger.Planted))

		if *outPath != "" {
			if err := writeLedger(ledger, *outPath); err != nil {
				fail("failed to write ledger", err)
			}
			fmt.Printf("Wrote %s and %s.labels\n", *outPath, *outPath)
			return
		}

		var buf bytes.Buffer
		if err := ledger.WriteCSV(&buf); err != nil {
			fail("failed to encode ledger", err)
		}
		data = buf.Bytes()
		labels = ledger.Planted
	}

	client := &http.Client{Timeout: *timeout}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Ringwatch not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Ringwatch is running:")
		fmt.Println("  go run ./cmd/ringwatch")
		os.Exit(1)
	}
	fmt.Println("Ringwatch is healthy")

	var (
		lat    Latency
		result *domain.DetectionResult
	)
	for i := range max(*runs, 1) {
		start := time.Now()
		result, err = upload(client, *baseURL, *tenantID, data)
		if err != nil {
			fail(fmt.Sprintf("upload %d failed", i+1), err)
		}
		lat.Samples = append(lat.Samples, time.Since(start))
	}

	var confusion *Confusion
	if labels != nil {
		c := Compare(labels, result.SuspiciousAccounts)
		confusion = &c
	}
	printResults(result, confusion, lat)
}

func fail(msg string, err error) {
	fmt.Printf("ERROR: %s: %v\n", msg, err)
	os.Exit(1)
}

func writeLedger(ledger *Ledger, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ledger.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	lf, err := os.Create(path + ".labels")
	if err != nil {
		return err
	}
	if err := ledger.WriteLabels(lf); err != nil {
		lf.Close()
		return err
	}
	return lf.Close()
}

func readLabelsFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadLabels(f)
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// upload posts the ledger as a multipart file and decodes the result.
func upload(client *http.Client, baseURL, tenantID string, data []byte) (*domain.DetectionResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "ledger.csv")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/detect", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result domain.DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}
