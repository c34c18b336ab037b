// Command replogbench drives a replogd leader over its client API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"time"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
}

var client = &http.Client{Timeout: 5 * time.Second}

func main() {
	baseURL := flag.String("target", "http://localhost:8080", "leader base URL")
	ops := flag.Int("ops", 1000, "operations per test")
	clients := flag.Int("clients", 10, "concurrent clients for the parallel tests")
	flag.Parse()

	fmt.Println("=== replog benchmark ===")
	fmt.Printf("Target: %s\n\n", *baseURL)

	if !checkHealth(*baseURL) {
		fmt.Printf("ERROR: node %s is not available\n", *baseURL)
		os.Exit(1)
	}

	// each run uses fresh client ids so per-client sequences start at 1
	fmt.Printf("Test 1: sequential appends (%d operations)\n", *ops)
	printResult(benchmarkAppends(*baseURL, *ops, 1, 1))

	fmt.Printf("\nTest 2: concurrent appends (%d operations, %d clients)\n", *ops, *clients)
	printResult(benchmarkAppends(*baseURL, *ops, *clients, 1000))

	fmt.Printf("\nTest 3: reads (%d operations, %d clients)\n", *ops, *clients)
	printResult(benchmarkReads(*baseURL, *ops, *clients))

	fmt.Println("\n=== Benchmark complete ===")
}

func checkHealth(baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// fanOut splits totalOps over concurrency workers and times every call.
func fanOut(totalOps, concurrency int, op func(worker, seq int) error) BenchmarkResult {
	start := time.Now()
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failed    int
		latencies = make([]time.Duration, 0, totalOps)
	)

	perWorker, remainder := totalOps/concurrency, totalOps%concurrency
	for w := 0; w < concurrency; w++ {
		n := perWorker
		if w < remainder {
			n++
		}
		wg.Add(1)
		go func(worker, n int) {
			defer wg.Done()
			for j := 0; j < n; j++ {
				opStart := time.Now()
				err := op(worker, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err != nil {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(w, n)
	}
	wg.Wait()

	return summarize(totalOps, failed, time.Since(start), latencies)
}

func summarize(total, failed int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      total,
		SuccessfulOps: total - failed,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(total-failed) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}
	slices.Sort(latencies)
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.P99Latency = latencies[len(latencies)*99/100]
	res.MaxLatency = latencies[len(latencies)-1]
	return res
}

func benchmarkAppends(baseURL string, totalOps, concurrency, firstClient int) BenchmarkResult {
	return fanOut(totalOps, concurrency, func(worker, seq int) error {
		clientID := firstClient + worker
		key := fmt.Sprintf("bench_key_%d_%d", clientID, seq)
		value := fmt.Sprintf("bench_value_%d", time.Now().UnixNano())
		return appendKey(baseURL, clientID, seq+1, key, value)
	})
}

func benchmarkReads(baseURL string, totalOps, concurrency int) BenchmarkResult {
	const readClient = 999_999
	for i := 0; i < totalOps; i++ {
		if err := appendKey(baseURL, readClient, i+1, fmt.Sprintf("read_test_%d", i), fmt.Sprintf("value_%d", i)); err != nil {
			fmt.Printf("  preload %d failed: %v\n", i, err)
		}
	}

	perWorker := totalOps / concurrency
	return fanOut(totalOps, concurrency, func(worker, seq int) error {
		key := fmt.Sprintf("read_test_%d", (worker*perWorker+seq)%totalOps)
		found, err := getKey(baseURL, key)
		if err == nil && !found {
			err = fmt.Errorf("key %s not found", key)
		}
		return err
	})
}

func appendKey(baseURL string, clientID, seq int, key, value string) error {
	body, err := json.Marshal(map[string]any{
		"client_id":     clientID,
		"client_offset": seq,
		"op":            "put",
		"key":           key,
		"value":         value,
	})
	if err != nil {
		return err
	}

	resp, err := client.Post(baseURL+"/api/append", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func getKey(baseURL, key string) (bool, error) {
	resp, err := client.Get(baseURL + "/api/string?key=" + url.QueryEscape(key))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
