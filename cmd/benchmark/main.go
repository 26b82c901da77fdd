package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	merchant    string
	concurrency int
	duration    time.Duration
	workload    string
	batchSize   int
)

// Metrics
var (
	totalRequests    uint64
	inserted         uint64
	duplicates       uint64
	fulfilled        uint64 // Won the conditional update
	alreadyFulfilled uint64 // Lost the race or replayed
	failOther        uint64
)

// Next fresh transfer id, shared by workers.
var nextID int64 = 5_000_000

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&merchant, "merchant", "bistro", "Merchant account the relay filter expects")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "overlap", "Workload type: unique | overlap")
	flag.IntVar(&batchSize, "batch", 20, "Operations per relay request")
}

type operation struct {
	ID            int64    `json:"id"`
	RequiredAuths []string `json:"required_auths"`
	Payload       string   `json:"payload"`
}

type relayResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

type transferResult struct {
	Status string `json:"status"`
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		ids := generateIDs()
		body, _ := json.Marshal(buildBatch(ids))

		var relay relayResult
		if !post(client, targetURL+"/api/v1/relay/transfers", body, &relay) {
			continue
		}
		atomic.AddUint64(&inserted, uint64(relay.Inserted))
		atomic.AddUint64(&duplicates, uint64(relay.Duplicates))

		// Every worker races to fulfill the same id; only one may win.
		var res transferResult
		if !post(client, fmt.Sprintf("%s/api/v1/transfers/%d/fulfill", targetURL, ids[0]), nil, &res) {
			continue
		}
		switch res.Status {
		case "fulfilled":
			atomic.AddUint64(&fulfilled, 1)
		case "already_fulfilled":
			atomic.AddUint64(&alreadyFulfilled, 1)
		}
	}
}

func post(client *http.Client, url string, body []byte, out interface{}) bool {
	req, _ := http.NewRequest("POST", url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return false
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	if resp.StatusCode != http.StatusOK {
		atomic.AddUint64(&failOther, 1)
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}

// generateIDs returns a batch of transfer ids. The overlap workload re-sends
// half of a recent window, the way overlapping polls and the relay do.
func generateIDs() []int64 {
	ids := make([]int64, batchSize)
	if workload == "overlap" {
		high := atomic.LoadInt64(&nextID)
		for i := range ids[:batchSize/2] {
			ids[i] = high - int64(rand.Intn(batchSize*4)) - 1
		}
		for i := batchSize / 2; i < batchSize; i++ {
			ids[i] = atomic.AddInt64(&nextID, 1)
		}
		return ids
	}
	for i := range ids {
		ids[i] = atomic.AddInt64(&nextID, 1)
	}
	return ids
}

func buildBatch(ids []int64) []operation {
	ops := make([]operation, len(ids))
	for i, id := range ids {
		payload, _ := json.Marshal(map[string]string{
			"to":       merchant,
			"symbol":   "HBD",
			"quantity": "1.000",
			"memo":     fmt.Sprintf("d:%d; TABLE %d", rand.Intn(20)+1, rand.Intn(30)+1),
		})
		ops[i] = operation{ID: id, RequiredAuths: []string{"bench"}, Payload: string(payload)}
	}
	return ops
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ins := atomic.LoadUint64(&inserted)
	dup := atomic.LoadUint64(&duplicates)
	won := atomic.LoadUint64(&fulfilled)
	lost := atomic.LoadUint64(&alreadyFulfilled)
	fErr := atomic.LoadUint64(&failOther)

	rps := float64(total) / d.Seconds()
	dupRate := 0.0
	if ins+dup > 0 {
		dupRate = float64(dup) / float64(ins+dup) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_rps":    rps,
		"inserted":          ins,
		"duplicates":        dup,
		"duplicate_pct":     dupRate,
		"fulfilled":         won,
		"already_fulfilled": lost,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
