package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/trackr/adapters/httpapi"
	"github.com/codewandler/trackr/core/event"
)

// === Config ===

// NOTE: run the service first: go run ./cmd/trackrd --shards https://localhost:9000 --metrics-addr ""

var (
	logLevel  = slog.LevelInfo
	baseURL   = strings.TrimRight(getEnv("TARGET", "http://localhost:8080"), "/")
	users     = getEnvInt("USERS", 100)
	N         = getEnvInt("N", 50)
	batchSize = getEnvInt("B", 5)
	workers   = getEnvInt("WORKERS", 16)
	inspect   = getEnvBool("INSPECT", false)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return v == "1" || strings.ToLower(v) == "true"
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

// === Client ===

type client struct {
	http *http.Client
	base string
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		var e httpapi.ErrorResponse
		_ = json.NewDecoder(res.Body).Decode(&e)
		return fmt.Errorf("%s: %d %s", path, res.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *client) create(ctx context.Context) (string, error) {
	var res httpapi.CreateResponse
	if err := c.post(ctx, "/create", struct{}{}, &res); err != nil {
		return "", err
	}
	return res.Identity, nil
}

func (c *client) track(ctx context.Context, id string, events []event.Event) (int, error) {
	var res httpapi.TrackResponse
	err := c.post(ctx, "/track", map[string]any{"identity": id, "events": events}, &res)
	return res.Queued, err
}

func (c *client) inspect(ctx context.Context, id string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/inspect?id="+id, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	var out map[string]any
	return out, json.NewDecoder(res.Body).Decode(&out)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	c := &client{http: &http.Client{Timeout: 30 * time.Second}, base: baseURL}

	fmt.Printf(" Target: %s\n", baseURL)
	fmt.Printf("  Users: %d\n", users)
	fmt.Printf(" Events: %d per user, batches of %d\n", N, batchSize)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	startAt := time.Now()

	ids := make([]string, users)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range ids {
		g.Go(func() error {
			id, err := c.create(gctx)
			ids[i] = id
			return err
		})
	}
	checkErr(g.Wait())
	created := time.Since(startAt)
	fmt.Printf("created %d identities in %d ms\n", users, created.Milliseconds())

	var (
		total    atomic.Int64
		requests atomic.Int64
	)
	trackAt := time.Now()
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		g.Go(func() error {
			ts := time.Now().UnixMilli()
			for sent := 0; sent < N; sent += batchSize {
				n := min(batchSize, N-sent)
				batch := make([]event.Event, n)
				for j := range batch {
					batch[j] = event.Event{Type: "loadtest", Timestamp: ts + int64(sent+j)}
				}
				queued, err := c.track(gctx, id, batch)
				if err != nil {
					return err
				}
				total.Add(int64(queued))
				if requests.Add(1)%100 == 0 {
					print(".")
				}
			}
			return nil
		})
	}
	checkErr(g.Wait())

	if inspect && len(ids) > 0 {
		snap, err := c.inspect(ctx, ids[0])
		checkErr(err)
		log.Info("inspect", slog.String("identity", ids[0]), slog.Any("snapshot", snap))
	}

	// === stats ===
	println("")
	println("==========================================")

	took := time.Since(trackAt)
	runtime.GC()
	mu := getMemUsage()

	fmt.Printf("total runtime: %.3f seconds\n", time.Since(startAt).Seconds())
	fmt.Printf("     requests: %d\n", requests.Load())
	fmt.Printf("       events: %d\n", total.Load())
	fmt.Printf("  avg. req/s : %d\n", int(float64(requests.Load())/took.Seconds()))
	fmt.Printf("avg. events/s: %d\n", int(float64(total.Load())/took.Seconds()))
	fmt.Printf("   client mem: %d MiB\n", mu.Alloc/1024/1024)
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
