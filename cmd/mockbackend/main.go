package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

type backend struct {
	name     string
	delay    time.Duration
	requests atomic.Int64
	logger   *zap.Logger
}

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	name := flag.String("name", "mock", "Service name")
	delay := flag.Duration("delay", 0, "Response delay, for exercising route timeouts")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	b := &backend{name: *name, delay: *delay, logger: logger}
	addr := fmt.Sprintf(":%d", *port)
	logger.Info("mock backend starting",
		zap.String("name", *name),
		zap.String("address", addr),
		zap.Duration("delay", *delay),
	)
	if err := http.ListenAndServe(addr, b.routes()); err != nil {
		logger.Fatal("mock backend stopped", zap.Error(err))
	}
}

func (b *backend) routes() http.Handler {
	r := httprouter.New()
	r.GET("/mock/account/:id", b.account)
	r.POST("/mock/transfer", b.transfer)
	r.GET("/mock/health", b.health)
	r.NotFound = http.HandlerFunc(b.echo)
	return r
}

func (b *backend) account(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	b.respond(w, r, map[string]any{
		"id":      ps.ByName("id"),
		"balance": 1000,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (b *backend) transfer(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, _ = io.Copy(io.Discard, r.Body)
	b.respond(w, r, map[string]any{
		"status": "accepted",
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (b *backend) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string]bool{"ok": true})
}

// echo describes any other request, which is handy for checking rewrites.
func (b *backend) echo(w http.ResponseWriter, r *http.Request) {
	b.respond(w, r, map[string]any{
		"path":    r.URL.Path,
		"query":   r.URL.RawQuery,
		"method":  r.Method,
		"headers": flattenHeaders(r.Header),
	})
}

func (b *backend) respond(w http.ResponseWriter, r *http.Request, body map[string]any) {
	count := b.requests.Add(1)
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-r.Context().Done():
			return
		}
	}

	b.logger.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
	w.Header().Set("X-Backend-Server", b.name)
	w.Header().Set("X-Request-Count", fmt.Sprintf("%d", count))
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func flattenHeaders(h http.Header) map[string]string {
	result := make(map[string]string)
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
