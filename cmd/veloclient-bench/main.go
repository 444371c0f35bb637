// Command veloclient-bench drives the client against a target URL with a
// fixed number of concurrent requesters, printing completed/failed counts
// and pool stats on exit.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/riftlayer/velonet/client"
	"github.com/riftlayer/velonet/config"
)

func main() {
	cfg := config.New()

	c, err := client.New(client.Options{
		MaxConnectionsPerHost:   cfg.MaxConnectionsPerHost,
		MaxStreamsPerConnection: cfg.MaxStreamsPerConnection,
		IdleTimeoutMs:           cfg.IdleTimeoutMs,
		ConnectTimeoutMs:        cfg.ConnectTimeoutMs,
		DNSCacheTTLMs:           cfg.DNSCacheTTLMs,
		ReactorMaxEvents:        cfg.ReactorMaxEvents,
		InsecureSkipVerify:      cfg.Insecure,
	})
	if err != nil {
		log.Fatalf("client.New failed: %v", err)
	}
	defer c.Close()

	go awaitSignal(c)
	go runCleanupLoop(c)

	var completed, failed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)

	for i := 0; i < cfg.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for n := 0; n < cfg.RequestsPerConn; n++ {
				req, err := http.NewRequest(http.MethodGet, cfg.Target, nil)
				if err != nil {
					log.Fatalf("building request: %v", err)
				}

				done := make(chan struct{})
				c.SendAsync(req, func(resp *http.Response, err error) {
					if err != nil {
						failed.Add(1)
					} else {
						completed.Add(1)
						resp.Body.Close()
					}
					close(done)
				})
				<-done
			}
		}()
	}

	go func() {
		wg.Wait()
		c.Stop()
	}()

	log.Printf("\U0001F680 benchmarking %s with %d requesters x %d requests", cfg.Target, cfg.Concurrency, cfg.RequestsPerConn)
	c.Run()

	conns, hosts := c.PoolStats()
	fmt.Printf("completed=%d failed=%d pool_connections=%d pool_hosts=%d\n",
		completed.Load(), failed.Load(), conns, hosts)
}

// runCleanupLoop periodically sweeps idle connections, mirroring how a
// long-lived embedding of the client would schedule maintenance.
func runCleanupLoop(c *client.Client) {
	for range time.Tick(time.Second) {
		c.CleanupIdle()
	}
}

func awaitSignal(c *client.Client) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("signal received: %v, shutting down", sig)
	c.Stop()
}
