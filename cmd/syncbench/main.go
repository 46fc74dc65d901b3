// Command syncbench writes keys to two running nodes and measures how long it
// takes until each node has converged on the other's writes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
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
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

type replicaInfo struct {
	ID       string            `json:"id"`
	Sequence string            `json:"sequence"`
	Friends  map[string]string `json:"friends"`
}

var client = &http.Client{Timeout: 5 * time.Second}

func main() {
	nodeA := flag.String("a", "http://localhost:8080", "first node")
	nodeB := flag.String("b", "http://localhost:8081", "second node")
	ops := flag.Int("ops", 200, "writes per node")
	concurrency := flag.Int("concurrency", 8, "concurrent writers per node")
	wait := flag.Duration("wait", 2*time.Minute, "how long to wait for convergence")
	flag.Parse()

	fmt.Println("=== replsync convergence benchmark ===")
	fmt.Printf("Nodes: %s, %s\n\n", *nodeA, *nodeB)

	for _, n := range []string{*nodeA, *nodeB} {
		if !checkHealth(n) {
			fmt.Printf("ERROR: node %s is not available\n", n)
			return
		}
	}

	run := time.Now().UnixNano()
	keysA := keys(fmt.Sprintf("a_%d", run), *ops)
	keysB := keys(fmt.Sprintf("b_%d", run), *ops)

	fmt.Printf("Writes: %d keys per node, %d goroutines\n", *ops, *concurrency)
	var wg sync.WaitGroup
	var resA, resB BenchmarkResult
	wg.Add(2)
	go func() { defer wg.Done(); resA = benchmarkWrites(*nodeA, keysA, *concurrency) }()
	go func() { defer wg.Done(); resB = benchmarkWrites(*nodeB, keysB, *concurrency) }()
	wg.Wait()
	printResult("Writes "+*nodeA, resA)
	printResult("Writes "+*nodeB, resB)

	fmt.Println("\nWaiting for convergence...")
	start := time.Now()
	lagA, okA := waitConverged(*nodeA, keysB, start.Add(*wait))
	lagB, okB := waitConverged(*nodeB, keysA, start.Add(*wait))
	report(*nodeA, lagA, okA)
	report(*nodeB, lagB, okB)

	for _, n := range []string{*nodeA, *nodeB} {
		if info, err := getReplica(n); err == nil {
			fmt.Printf("%s: id=%s sequence=%s friends=%v\n", n, info.ID, info.Sequence, info.Friends)
		}
	}
	fmt.Println("\n=== Benchmark Complete ===")
}

func keys(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("bench_%s_%d", prefix, i)
	}
	return out
}

func checkHealth(baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func benchmarkWrites(baseURL string, keys []string, concurrency int) BenchmarkResult {
	if concurrency < 1 {
		concurrency = 1
	}
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful, failed := 0, 0
	latencies := make([]time.Duration, 0, len(keys))

	work := make(chan string)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range work {
				opStart := time.Now()
				err := putKey(baseURL, key, "v_"+key)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}()
	}
	for _, k := range keys {
		work <- k
	}
	close(work)
	wg.Wait()

	return summarize(len(keys), successful, failed, time.Since(start), latencies)
}

func summarize(total, successful, failed int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	var min, max, sum time.Duration
	if len(latencies) > 0 {
		min = latencies[0]
		max = latencies[0]
		for _, lat := range latencies {
			if lat < min {
				min = lat
			}
			if lat > max {
				max = lat
			}
			sum += lat
		}
	}
	var avg time.Duration
	if len(latencies) > 0 {
		avg = sum / time.Duration(len(latencies))
	}
	return BenchmarkResult{
		TotalOps:      total,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avg,
		MinLatency:    min,
		MaxLatency:    max,
	}
}

// waitConverged polls until every key is readable on baseURL. Keys are
// checked in order; a key once seen is not checked again.
func waitConverged(baseURL string, keys []string, deadline time.Time) (time.Duration, bool) {
	start := time.Now()
	next := 0
	for next < len(keys) {
		_, found, err := getKey(baseURL, keys[next])
		if err == nil && found {
			next++
			continue
		}
		if time.Now().After(deadline) {
			fmt.Printf("%s: %d/%d keys replicated before giving up\n", baseURL, next, len(keys))
			return time.Since(start), false
		}
		time.Sleep(100 * time.Millisecond)
	}
	return time.Since(start), true
}

func report(node string, lag time.Duration, ok bool) {
	if !ok {
		fmt.Printf("%s: did not converge (waited %v)\n", node, lag)
		return
	}
	fmt.Printf("%s: converged after %v\n", node, lag)
}

func putKey(baseURL, key, value string) error {
	data := url.Values{}
	data.Set("key", key)
	data.Set("value", value)

	req, err := http.NewRequest(http.MethodPut, baseURL+"/api/string", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func getKey(baseURL, key string) (string, bool, error) {
	resp, err := client.Get(baseURL + "/api/string?key=" + url.QueryEscape(key))
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, err
	}
	return result.Value, true, nil
}

func getReplica(baseURL string) (replicaInfo, error) {
	var info replicaInfo
	resp, err := client.Get(baseURL + "/api/replica")
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&info)
	return info, err
}

func printResult(name string, r BenchmarkResult) {
	fmt.Printf("  %s:\n", name)
	fmt.Printf("    Total: %d, Success: %d, Failed: %d\n", r.TotalOps, r.SuccessfulOps, r.FailedOps)
	fmt.Printf("    Duration: %v, Throughput: %.2f ops/sec\n", r.Duration, r.OpsPerSec)
	fmt.Printf("    Latency: avg=%v min=%v max=%v\n", r.AvgLatency, r.MinLatency, r.MaxLatency)
}
