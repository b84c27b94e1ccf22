// Command fapilogdemo is a minimal host application exercising the
// library end to end: configure a Logger, wrap an HTTP handler with
// its correlation middleware, and emit a few application log calls.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/kluzzebass/fapilog/internal/fapilog"
	"github.com/kluzzebass/fapilog/internal/settings"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	pretty := flag.Bool("pretty", false, "force pretty console output instead of JSON")
	flag.Parse()

	opts := []settings.Option{}
	if *pretty {
		opts = append(opts, settings.WithSinks(settings.SinkSpec{URI: "stdout://pretty"}))
	}
	s, err := settings.Load(envMap(os.Environ()), opts...)
	if err != nil {
		log.Fatalf("settings: %v", err)
	}

	logger, err := fapilog.Configure(s, fapilog.WithEnvironment("development"))
	if err != nil {
		log.Fatalf("configure: %v", err)
	}
	defer logger.Stop(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.Context(), "hello request received", map[string]any{"name": r.URL.Query().Get("name")})
		w.Write([]byte("hello"))
	})

	logger.Info(context.Background(), "demo server starting", map[string]any{"addr": *addr, "instance": logger.Name()})
	if err := http.ListenAndServe(*addr, logger.Middleware()(mux)); err != nil {
		logger.Critical(context.Background(), "server exited", map[string]any{"error": err.Error()})
	}
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
