// Package main provides a probe tool that fires a burst of requests through
// a rategate transport and reports how many were allowed, limited, or
// failed, along with the final limiter statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rategate/rategate"
	"github.com/rategate/rategate/configuration"
)

var (
	targetURL   = flag.String("url", "", "Target URL to probe (required)")
	requests    = flag.Int("n", 50, "Number of requests to send")
	concurrency = flag.Int("c", 5, "Number of concurrent workers")
	rps         = flag.Float64("rps", 10, "Local tokens per second")
	burst       = flag.Int("burst", 10, "Local burst size")
	configPath  = flag.String("config", "", "Optional YAML config file (overrides -rps/-burst)")
	verbose     = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	if *targetURL == "" {
		fmt.Fprintln(os.Stderr, "Error: -url is required")
		flag.Usage()
		os.Exit(2)
	}

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := buildConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rt, err := rategate.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	client := rt.Client()

	var allowed, limited, failed atomic.Int64
	start := time.Now()

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				probe(client, &allowed, &limited, &failed)
			}
		}()
	}

	for i := 0; i < *requests; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	stats := rt.Stats()

	fmt.Printf("sent %d requests in %v\n", *requests, elapsed.Round(time.Millisecond))
	fmt.Printf("  allowed: %d\n", allowed.Load())
	fmt.Printf("  limited: %d\n", limited.Load())
	fmt.Printf("  failed:  %d\n", failed.Load())
	fmt.Printf("limiter: %d local buckets, global=%v, degraded=%v\n",
		stats.RateLimit.LocalLimiters, stats.RateLimit.GlobalEnabled, stats.RateLimit.DegradedMode)

	if failed.Load() > 0 {
		os.Exit(1)
	}
}

// buildConfig assembles the transport configuration from flags, or from a
// YAML file when -config is given.
func buildConfig() (*configuration.Config, error) {
	if *configPath != "" {
		return configuration.LoadFile(*configPath)
	}

	cfg := configuration.DefaultConfig()
	cfg.RateLimit.Local.TokensPerSecond = *rps
	cfg.RateLimit.Local.BurstSize = *burst
	return cfg, nil
}

// probe sends one GET request and buckets the outcome.
func probe(client *http.Client, allowed, limited, failed *atomic.Int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *targetURL, nil)
	if err != nil {
		failed.Add(1)
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		failed.Add(1)
		if *verbose {
			slog.Debug("request failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		limited.Add(1)
		if *verbose {
			slog.Debug("rate limited", "retry_after", resp.Header.Get("Retry-After"))
		}
		return
	}

	allowed.Add(1)
}
