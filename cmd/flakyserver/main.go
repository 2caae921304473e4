// Package main provides a failure-injecting upstream for exercising the
// resilience policies. It fails a configurable fraction of requests with
// 500s and adds configurable latency, useful for watching breakers open,
// bulkheads fill, and retries back off against a live target.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	failureRatio := flag.Float64("failure-ratio", 0.0, "fraction of requests answered with 500 (0.0-1.0)")
	latency := flag.Duration("latency", 0, "base latency added to every response")
	jitter := flag.Duration("jitter", 0, "max random latency added on top of the base")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	// /__status/{code} returns an arbitrary HTTP status code, bypassing
	// failure injection. Useful for deterministic breaker tests.
	// Example: GET /__status/503 returns 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		delay := *latency
		if *jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(*jitter)))
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		status := http.StatusOK
		if *failureRatio > 0 && rand.Float64() < *failureRatio {
			status = http.StatusInternalServerError
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"service":    *name,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"latency_ms": delay.Milliseconds(),
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (failure ratio %.2f, latency %s)", *name, addr, *failureRatio, *latency)
	log.Fatal(http.ListenAndServe(addr, nil))
}
