// Load test tool that drives a running Cambio server with concurrent
// transactions against one terminal.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8080 -n 500 -workers 20
//
// This tool:
//  1. Snapshots the terminal stock
//  2. Creates cash purchases concurrently, then confirms, completes or cancels each
//  3. Tallies outcomes by error kind and latency
//  4. Checks that stock only moved for completed transactions
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

type createRequest struct {
	ClientID   string `json:"clientId"`
	Currency   string `json:"currency"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	MethodKind string `json:"methodKind"`
	TerminalID string `json:"terminalId"`
}

type transaction struct {
	ID          string          `json:"id"`
	State       string          `json:"state"`
	LocalAmount decimal.Decimal `json:"localAmount"`
}

type details struct {
	Transaction transaction `json:"transaction"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type stockLevel struct {
	DenominationID string          `json:"denominationId"`
	FaceValue      decimal.Decimal `json:"faceValue"`
	Quantity       int64           `json:"quantity"`
}

// Results tracks load test outcomes.
type Results struct {
	mu        sync.Mutex
	outcomes  map[string]int
	latencies []time.Duration

	Completed int64
	Cancelled int64
}

func (r *Results) record(op, outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[op+" "+outcome]++
	r.latencies = append(r.latencies, d)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Cambio base URL")
	clientID := flag.String("client", "c-retail", "Client placing the operations")
	terminalID := flag.String("terminal", "T1", "Terminal holding the cash")
	currency := flag.String("currency", "USD", "Foreign currency to buy")
	n := flag.Int("n", 200, "Number of transactions")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	maxAmount := flag.Int("max-amount", 50, "Largest purchase in whole units")
	cancelRatio := flag.Float64("cancel", 0.2, "Fraction of transactions cancelled instead of completed")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	before, err := stock(client, *baseURL, *terminalID, *currency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read stock: %v\n", err)
		os.Exit(1)
	}

	results := &Results{outcomes: make(map[string]int)}
	var completedUnits atomic.Int64

	work := make(chan int, *workers)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				amount := 1 + rand.IntN(*maxAmount)
				req := createRequest{
					ClientID:   *clientID,
					Currency:   *currency,
					Direction:  "BUY",
					Amount:     fmt.Sprint(amount),
					MethodKind: "cash",
					TerminalID: *terminalID,
				}

				var d details
				if !call(client, results, "create", http.MethodPost, *baseURL+"/transactions", req, &d) {
					continue
				}
				id := d.Transaction.ID

				if rand.Float64() < *cancelRatio {
					if call(client, results, "cancel", http.MethodPost, *baseURL+"/transactions/"+id+"/cancel", nil, nil) {
						atomic.AddInt64(&results.Cancelled, 1)
					}
					continue
				}
				if !call(client, results, "confirm", http.MethodPost, *baseURL+"/transactions/"+id+"/confirm", nil, nil) {
					continue
				}
				if call(client, results, "complete", http.MethodPost, *baseURL+"/transactions/"+id+"/complete", nil, nil) {
					atomic.AddInt64(&results.Completed, 1)
					completedUnits.Add(int64(amount))
				}
			}
		}()
	}

	for i := 0; i < *n; i++ {
		work <- i
	}
	close(work)
	wg.Wait()
	elapsed := time.Since(start)

	after, err := stock(client, *baseURL, *terminalID, *currency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read stock: %v\n", err)
		os.Exit(1)
	}

	printResults(results, elapsed)

	handedOut := value(before).Sub(value(after))
	fmt.Printf("  Stock handed out:   %s %s\n", handedOut, *currency)
	fmt.Printf("  Completed purchases: %d %s\n", completedUnits.Load(), *currency)
	if !handedOut.Equal(decimal.NewFromInt(completedUnits.Load())) {
		fmt.Println("  MISMATCH: stock moved for transactions that were not completed")
		os.Exit(2)
	}
	fmt.Println("  Stock consistent with completed transactions")
}

// call performs one request and records its outcome. It reports whether the
// request succeeded.
func call(client *http.Client, r *Results, op, method, url string, body, out any) bool {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		r.record(op, "request_error", 0)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		r.record(op, "transport_error", elapsed)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apiError
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		r.record(op, e.Error, elapsed)
		return false
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			r.record(op, "decode_error", elapsed)
			return false
		}
	}
	r.record(op, "ok", elapsed)
	return true
}

func stock(client *http.Client, baseURL, terminalID, currency string) ([]stockLevel, error) {
	resp, err := client.Get(fmt.Sprintf("%s/terminals/%s/stock?currency=%s", baseURL, terminalID, currency))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var body struct {
		Stock []stockLevel `json:"stock"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Stock, nil
}

func value(levels []stockLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.FaceValue.Mul(decimal.NewFromInt(l.Quantity)))
	}
	return total
}

func printResults(r *Results, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Println()
	fmt.Println("════════════════════════════════════════════")
	fmt.Println("           CAMBIO LOAD TEST RESULTS")
	fmt.Println("════════════════════════════════════════════")
	fmt.Printf("  Duration:   %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Requests:   %d (%.1f/s)\n", len(r.latencies), float64(len(r.latencies))/elapsed.Seconds())
	fmt.Printf("  Completed:  %d\n", r.Completed)
	fmt.Printf("  Cancelled:  %d\n", r.Cancelled)
	fmt.Println()

	keys := make([]string, 0, len(r.outcomes))
	for k := range r.outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("  Outcomes:")
	for _, k := range keys {
		fmt.Printf("    %-40s %d\n", k, r.outcomes[k])
	}

	if len(r.latencies) > 0 {
		sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
		p := func(q float64) time.Duration { return r.latencies[int(q*float64(len(r.latencies)-1))] }
		fmt.Println()
		fmt.Printf("  Latency p50: %s  p95: %s  p99: %s\n", p(0.50), p(0.95), p(0.99))
	}
	fmt.Println()
}
