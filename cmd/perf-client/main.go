package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// PerfResult gathers aggregated metrics for the test run.
// Atomic counters are used to avoid lock contention on hot paths.
// LatencySum & P95Latency are in nanoseconds.
//
// P95Latency is maintained via a lightweight reservoir sampler.
type PerfResult struct {
	TotalRequests int64
	SuccessCount  int64
	RejectedCount int64
	ErrorCount    int64
	LatencySum    int64
	P95Latency    int64
}

const (
	baseURL        = "http://localhost:8080"
	merchantID     = "perf-merchant"
	fixedWorkers   = 50
	fixedRPSTarget = 700
	fixedDuration  = 30 * time.Second
	defaultTimeout = 30 * time.Second
	fixedNotes     = 200
	noteFaceValue  = "1000.00"
	redeemAmount   = "1.00"
)

type instrument struct {
	ID              string          `json:"id"`
	NoteNumber      string          `json:"note_number"`
	Token           string          `json:"token"`
	OriginalAmount  decimal.Decimal `json:"original_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Status          string          `json:"status"`
}

type redemptionPage struct {
	Items []struct {
		Amount decimal.Decimal `json:"amount"`
	} `json:"items"`
}

func main() {
	transport := &http.Transport{
		MaxIdleConns:        fixedWorkers * 4,
		MaxIdleConnsPerHost: fixedWorkers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   defaultTimeout,
	}

	// Seed a pool of credit notes to redeem against
	notes, err := issueNotes(httpClient, fixedNotes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue notes: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("issued %d credit notes of %s each\n", len(notes), noteFaceValue)

	fmt.Println("==========================================")
	fmt.Println("credit note redemption load test")
	fmt.Println("==========================================")
	fmt.Printf("notes    : %d\n", len(notes))
	fmt.Printf("RPS      : %d\n", fixedRPSTarget)
	fmt.Printf("duration : %v\n", fixedDuration)
	fmt.Println("==========================================")

	burst := fixedRPSTarget / fixedWorkers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(fixedRPSTarget), burst)

	ctx, cancel := context.WithTimeout(context.Background(), fixedDuration)
	defer cancel()

	var result PerfResult
	var wg sync.WaitGroup
	var seq int64

	// latencyChan collects latencies for P95 estimation.
	latencyChan := make(chan time.Duration, 4096)
	go trackP95(latencyChan, &result)

	for i := 0; i < fixedWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil { // context cancelled, exit
					return
				}
				n := atomic.AddInt64(&seq, 1)
				note := notes[n%int64(len(notes))]
				doRedeem(httpClient, note, n, &result, latencyChan)
			}
		}()
	}

	start := time.Now()
	<-ctx.Done() // wait for duration

	wg.Wait()
	close(latencyChan)

	totalDur := time.Since(start)

	fmt.Println("==========================================")
	fmt.Println("results")
	fmt.Println("==========================================")
	fmt.Printf("elapsed            : %.2fs\n", totalDur.Seconds())
	fmt.Printf("total requests     : %d\n", result.TotalRequests)
	fmt.Printf("successful         : %d\n", result.SuccessCount)
	fmt.Printf("rejected (ledger)  : %d\n", result.RejectedCount)
	fmt.Printf("errors             : %d\n", result.ErrorCount)

	actualRPS := float64(result.SuccessCount) / totalDur.Seconds()
	var avgLatency time.Duration
	if result.SuccessCount > 0 {
		avgLatency = time.Duration(result.LatencySum / result.SuccessCount)
	}

	fmt.Printf("actual RPS         : %.2f\n", actualRPS)
	fmt.Printf("avg latency        : %v\n", avgLatency)
	fmt.Printf("p95 latency        : %v\n", time.Duration(result.P95Latency))
	fmt.Println("==========================================")

	fmt.Println("==========================================")
	fmt.Println("ledger consistency check")
	fmt.Println("==========================================")
	if err := verifyConsistency(httpClient, notes); err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK: original - remaining == sum(redemptions) for every note")
	fmt.Println("==========================================")
}

// issueNotes issues the redemption pool through the API.
func issueNotes(httpClient *http.Client, count int) ([]instrument, error) {
	notes := make([]instrument, 0, count)
	for i := 0; i < count; i++ {
		body := map[string]interface{}{
			"owner_ref": fmt.Sprintf("perf-owner-%d", i),
			"amount":    noteFaceValue,
			"currency":  "USD",
		}
		var inst instrument
		status, err := doJSON(httpClient, http.MethodPost, "/v1/credit-notes", body, &inst)
		if err != nil {
			return nil, err
		}
		if status != http.StatusCreated {
			return nil, fmt.Errorf("issue returned status %d", status)
		}
		notes = append(notes, inst)
	}
	return notes, nil
}

// doRedeem performs a single redemption request and collects metrics.
func doRedeem(httpClient *http.Client, note instrument, seq int64, result *PerfResult, latencyChan chan<- time.Duration) {
	body := map[string]interface{}{
		"credential":   note.Token,
		"amount":       redeemAmount,
		"external_ref": fmt.Sprintf("perf-%s-%d", note.NoteNumber, seq),
	}

	start := time.Now()
	atomic.AddInt64(&result.TotalRequests, 1)

	status, err := doJSON(httpClient, http.MethodPost, "/v1/credit-notes/redeem", body, nil)
	latency := time.Since(start)

	switch {
	case err != nil:
		atomic.AddInt64(&result.ErrorCount, 1)
	case status == http.StatusOK:
		atomic.AddInt64(&result.SuccessCount, 1)
		atomic.AddInt64(&result.LatencySum, latency.Nanoseconds())
		select {
		case latencyChan <- latency:
		default:
		}
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		// Drained or terminal note; an expected ledger rejection, not an error
		atomic.AddInt64(&result.RejectedCount, 1)
	default:
		atomic.AddInt64(&result.ErrorCount, 1)
	}
}

// trackP95 maintains a best-effort rolling P95 latency estimation.
func trackP95(latencies <-chan time.Duration, result *PerfResult) {
	const size = 1000
	buf := make([]int64, 0, size)

	for lat := range latencies {
		if len(buf) < size {
			buf = append(buf, lat.Nanoseconds())
		} else {
			// Replace random element (simple reservoir sampling)
			if idx := time.Now().UnixNano() % int64(size); idx < int64(size/10) {
				buf[idx] = lat.Nanoseconds()
			}
		}

		// Update P95 periodically
		if len(buf) >= 100 && len(buf)%100 == 0 {
			copyBuf := make([]int64, len(buf))
			copy(copyBuf, buf)
			quickSort(copyBuf)
			p95Index := int(float64(len(copyBuf)) * 0.95)
			if p95Index >= len(copyBuf) {
				p95Index = len(copyBuf) - 1
			}
			atomic.StoreInt64(&result.P95Latency, copyBuf[p95Index])
		}
	}
}

// quickSort sorts the array in ascending order
func quickSort(arr []int64) {
	if len(arr) < 2 {
		return
	}

	left, right := 0, len(arr)-1
	pivot := len(arr) / 2

	arr[pivot], arr[right] = arr[right], arr[pivot]

	for i := range arr {
		if arr[i] < arr[right] {
			arr[left], arr[i] = arr[i], arr[left]
			left++
		}
	}

	arr[left], arr[right] = arr[right], arr[left]

	quickSort(arr[:left])
	quickSort(arr[left+1:])
}

// verifyConsistency re-reads every note and its redemption trail and
// checks the balance invariant held under concurrent load.
func verifyConsistency(httpClient *http.Client, notes []instrument) error {
	for _, note := range notes {
		var current instrument
		status, err := doJSON(httpClient, http.MethodGet, "/v1/credit-notes/"+note.ID, nil, &current)
		if err != nil {
			return fmt.Errorf("failed to fetch note %s: %w", note.NoteNumber, err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("fetch note %s returned status %d", note.NoteNumber, status)
		}

		var page redemptionPage
		status, err = doJSON(httpClient, http.MethodGet, "/v1/credit-notes/"+note.ID+"/redemptions", nil, &page)
		if err != nil {
			return fmt.Errorf("failed to fetch redemptions for %s: %w", note.NoteNumber, err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("fetch redemptions for %s returned status %d", note.NoteNumber, status)
		}

		redeemed := decimal.Zero
		for _, rec := range page.Items {
			redeemed = redeemed.Add(rec.Amount)
		}

		expected := current.OriginalAmount.Sub(current.RemainingAmount)
		if !redeemed.Equal(expected) {
			return fmt.Errorf("note %s: sum(redemptions)=%s but original-remaining=%s",
				note.NoteNumber, redeemed, expected)
		}
		if current.RemainingAmount.IsNegative() {
			return fmt.Errorf("note %s: negative remaining balance %s", note.NoteNumber, current.RemainingAmount)
		}
	}
	return nil
}

// doJSON sends one JSON request with the trusted identity headers and
// decodes the response into out when it is non-nil.
func doJSON(httpClient *http.Client, method, path string, body interface{}, out interface{}) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Merchant-Id", merchantID)
	req.Header.Set("X-Actor-Ref", "perf-client")

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
