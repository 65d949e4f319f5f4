// Command demo wires up a reqpipeline.Queue against live Cache-Control-aware
// HTTP fetching: env-driven config, a default net/http transport, and a
// prometheus-backed metrics/stats endpoint. Transport and TLS configuration
// are left to the caller; this just demonstrates wiring the library.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fetchkit/reqpipeline"
)

type printListener struct{ url string }

func (l printListener) DeliverResponse(body []byte, intermediate bool) {
	tag := "final"
	if intermediate {
		tag = "intermediate"
	}
	log.Info("demo: %s response for %s (%d bytes)", tag, l.url, len(body))
}

func (l printListener) DeliverError(err error) {
	log.Printf("demo: error fetching %s: %v", l.url, err)
}

func main() {
	log.Info("Starting reqpipeline demo...")

	config := env.Must(env.ParseAs[reqpipeline.Config]())
	config.Print()
	if !config.EnableLogging {
		log.SetLevel(log.ERROR)
	}

	transport := reqpipeline.NewHTTPTransport(http.DefaultTransport)
	delivery := reqpipeline.NewDelivery(nil)
	queue := reqpipeline.NewQueue(config.QueueOptions(transport), delivery)

	if err := queue.Start(); err != nil {
		log.Fatal(err)
	}

	go serveMetrics(config.MetricsAddr, queue)

	if len(os.Args) > 1 {
		for _, url := range os.Args[1:] {
			enqueue(queue, url)
		}
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	queue.Stop()
}

func enqueue(queue *reqpipeline.Queue, url string) {
	listener := printListener{url: url}
	parser := reqpipeline.BytesParser{Method: http.MethodGet, URL: url}
	req := reqpipeline.NewRequest[[]byte](reqpipeline.MethodGet, url, parser, listener)
	queue.Add(req)
}

// serveMetrics exposes the prometheus handler and a tiny plain-text
// (key=value per line) stats endpoint, polling StatsSnapshot on an interval so its gauges stay fresh
// even between scrapes.
func serveMetrics(addr string, queue *reqpipeline.Queue) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		s := queue.StatsSnapshot()
		fmt.Fprintf(w, "cache_queue_depth=%d\nnetwork_queue_depth=%d\ndisk_cache_bytes=%d\ncache_hits=%d\ncache_misses=%d\ncoalesced=%d\nretries=%d\n",
			s.CacheQueueDepth, s.NetworkQueueDepth, s.DiskCacheBytes, s.CacheHits, s.CacheMisses, s.Coalesced, s.Retries)
	})

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			queue.StatsSnapshot()
		}
	}()

	log.Info("demo: metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("demo: metrics server stopped: %v", err)
	}
}
