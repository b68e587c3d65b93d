package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"tradectl/relay"
	"tradectl/server"
	"tradectl/store"
	"tradectl/trading"
)

func main() {
	url := flag.String("url", "", "relay websocket url; empty starts an in-process relay on a memory store")
	token := flag.String("token", "", "relay credential")
	clients := flag.Int("clients", 8, "concurrent relay connections")
	requests := flag.Int("requests", 20000, "total requests across all clients")
	setRatio := flag.Int("set-ratio", 4, "1 in N requests will be set_trading_settings instead of get")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request deadline")
	seed := flag.Int64("seed", time.Now().UnixNano(), "seed for deterministic random streams")
	cpuProfile := flag.String("cpuprofile", "", "write cpu profile to file")
	memProfile := flag.String("memprofile", "", "write heap profile to file")
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			panic(err)
		}
		defer pprof.StopCPUProfile()
	}

	target := *url
	var mem *store.Memory
	if target == "" {
		var stop func()
		var err error
		mem = store.NewMemory()
		target, stop, err = startInline(mem, *token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "start inline relay: %v\n", err)
			os.Exit(1)
		}
		defer stop()
	}

	conns := make([]*relay.Client, 0, *clients)
	for i := 0; i < *clients; i++ {
		c, err := relay.Dial(context.Background(), target, relay.DialOptions{Credential: *token, RequestTimeout: *timeout})
		if err != nil {
			fmt.Fprintf(os.Stderr, "dial %s: %v\n", target, err)
			os.Exit(1)
		}
		defer c.Close()
		conns = append(conns, c)
	}

	var sets, gets, timeouts, failures int64
	var next int64 = -1
	var wg sync.WaitGroup
	start := time.Now()
	for i, c := range conns {
		wg.Add(1)
		go func(c *relay.Client, rng *rand.Rand) {
			defer wg.Done()
			for atomic.AddInt64(&next, 1) < int64(*requests) {
				var err error
				if *setRatio > 0 && rng.Intn(*setRatio) == 0 {
					err = c.SetTradingSettings(context.Background(), randomSettings(rng))
					atomic.AddInt64(&sets, 1)
				} else {
					_, err = c.GetTradingSettings(context.Background())
					atomic.AddInt64(&gets, 1)
				}
				switch {
				case err == nil:
				case errors.Is(err, relay.ErrRequestTimeout):
					atomic.AddInt64(&timeouts, 1)
				default:
					atomic.AddInt64(&failures, 1)
				}
			}
		}(c, rand.New(rand.NewSource(*seed+int64(i))))
	}
	wg.Wait()
	elapsed := time.Since(start)

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err == nil {
			defer f.Close()
			_ = pprof.WriteHeapProfile(f)
		}
	}

	total := sets + gets
	fmt.Printf("sent %d requests in %s (%.0f req/s)\n", total, elapsed.Truncate(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Printf("sets=%d gets=%d timeouts=%d failures=%d\n", sets, gets, timeouts, failures)
	if mem != nil {
		fmt.Printf("store writes=%d\n", mem.Writes())
	}
	fmt.Printf("config: clients=%d set-ratio=1/%d timeout=%s\n", *clients, *setRatio, *timeout)
}

func startInline(st store.Store, token string) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := server.New(st, server.Options{AuthToken: token})
	httpSrv := &http.Server{Handler: srv.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = httpSrv.Serve(ln) }()
	stop := func() {
		_ = srv.Close()
		_ = httpSrv.Close()
	}
	return "ws://" + ln.Addr().String() + server.DefaultPath, stop, nil
}

func randomSettings(rng *rand.Rand) trading.Settings {
	return trading.Settings{
		Enabled:             rng.Intn(2) == 0,
		BuyThresholdPct:     float64(rng.Intn(100)+1) / 1000,
		SellThresholdPct:    float64(rng.Intn(100)+1) / 1000,
		MaxPositionPerTrade: rng.Int63n(5) + 1,
		StrategyTag:         "loadgen",
		IssuedAt:            time.Now(),
		SessionID:           "loadgen",
	}
}
