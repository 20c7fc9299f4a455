// Command loadtest hammers a running gateway with generation requests and
// reports latency percentiles. Point it at the zero-cost string-ops tool to
// exercise the full quote/reserve/settle path without spending compute, or
// at a real tool to soak-test a provider.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type LoadTestConfig struct {
	Gateway        string
	APIKey         string
	ToolID         string
	NumRequests    int
	Concurrency    int
	ReportInterval time.Duration
}

type LoadTestStats struct {
	TotalRequests       uint64
	Completed           uint64 // 200: tool finished inline
	Accepted            uint64 // 202: queued for async delivery
	Failed              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MinLatency          time.Duration
	MaxLatency          time.Duration
	P50Latency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	gateway := flag.String("gateway", envOr("NOEMA_GATEWAY_URL", "http://localhost:8080"), "Gateway base URL")
	apiKey := flag.String("key", os.Getenv("NOEMA_API_KEY"), "API key for the test account")
	toolID := flag.String("tool", "string-ops", "Tool to execute")
	numRequests := flag.Int("requests", 1000, "Number of generation requests")
	concurrency := flag.Int("concurrency", 20, "Number of concurrent workers")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "An API key is required (-key or NOEMA_API_KEY)")
		os.Exit(1)
	}

	config := LoadTestConfig{
		Gateway:        *gateway,
		APIKey:         *apiKey,
		ToolID:         *toolID,
		NumRequests:    *numRequests,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting generation load test")
	slog.Info("Target", "gateway", config.Gateway, "tool", config.ToolID)
	slog.Info("Volume", "requests", config.NumRequests, "concurrency", config.Concurrency)

	stats := runLoadTest(config)
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: config.Concurrency,
		},
	}

	stats := &LoadTestStats{
		MinLatency: time.Hour,
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	reqChan := make(chan int, config.NumRequests)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for reqID := range reqChan {
				sendGeneration(client, config, reqID, stats, &latencies, &latenciesMu)
			}
		}()
	}

	for i := 0; i < config.NumRequests; i++ {
		reqChan <- i
	}
	close(reqChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P50Latency = calculatePercentile(latencies, 50)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func sendGeneration(
	client *http.Client,
	config LoadTestConfig,
	reqID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	payload, _ := json.Marshal(map[string]interface{}{
		"toolId": config.ToolID,
		"inputs": map[string]interface{}{
			"operation": "reverse",
			"text":      fmt.Sprintf("loadtest request %d", reqID),
		},
	})

	req, err := http.NewRequest(http.MethodPost,
		config.Gateway+"/api/v1/generation/execute", bytes.NewReader(payload))
	if err != nil {
		atomic.AddUint64(&stats.TotalRequests, 1)
		atomic.AddUint64(&stats.Failed, 1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", config.APIKey)

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalRequests, 1)
	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddUint64(&stats.Completed, 1)
	case http.StatusAccepted:
		atomic.AddUint64(&stats.Accepted, 1)
	default:
		atomic.AddUint64(&stats.Failed, 1)
		return
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRequests)
			completed := atomic.LoadUint64(&stats.Completed)
			accepted := atomic.LoadUint64(&stats.Accepted)
			failed := atomic.LoadUint64(&stats.Failed)
			slog.Info("Progress", "sent", total, "completed", completed, "accepted", accepted, "failed", failed)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"
	ok := stats.Completed + stats.Accepted

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.TotalRequests)
	fmt.Printf("Completed (200):        %d (%.2f%%)\n",
		stats.Completed, percent(stats.Completed, stats.TotalRequests))
	fmt.Printf("Accepted (202):         %d (%.2f%%)\n",
		stats.Accepted, percent(stats.Accepted, stats.TotalRequests))
	fmt.Printf("Failed:                 %d (%.2f%%)\n",
		stats.Failed, percent(stats.Failed, stats.TotalRequests))
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f req/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p50):          %v\n", stats.P50Latency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.ThroughputPerSecond >= 50 {
		fmt.Println("✅ PASS: Throughput meets target (>50 req/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<50 req/sec)")
	}

	if stats.P95Latency < 250*time.Millisecond {
		fmt.Println("✅ PASS: P95 latency meets target (<250ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>250ms)")
	}

	if rate := percent(ok, stats.TotalRequests); rate >= 99 {
		fmt.Println("✅ PASS: Success rate meets target (>99%)")
	} else {
		fmt.Println("❌ FAIL: Success rate below target (<99%)")
	}
	fmt.Println(separator + "\n")
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
