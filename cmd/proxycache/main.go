// Command proxycache runs the concurrent caching HTTP forward proxy: a
// listener that serves client GET requests from a shared CacheIndex,
// launching a single origin producer per distinct URL and streaming its
// bytes to every concurrent reader of that URL.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/eviltik/proxycache/internal/adminapi"
	"github.com/eviltik/proxycache/internal/cacheindex"
	"github.com/eviltik/proxycache/internal/crashlog"
	"github.com/eviltik/proxycache/internal/dashboard"
	"github.com/eviltik/proxycache/internal/fetcher"
	"github.com/eviltik/proxycache/internal/proxylog"
	"github.com/eviltik/proxycache/internal/router"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			crashlog.Write(r, "main")
			os.Exit(1)
		}
	}()

	addr := ":80"
	adminAddr := ":8080"
	monitor := false

	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		case "--addr":
			if i+1 < len(os.Args) {
				i++
				addr = os.Args[i]
			}
		case "--admin-addr":
			if i+1 < len(os.Args) {
				i++
				adminAddr = os.Args[i]
			}
		case "--monitor":
			monitor = true
		case "--crash-log":
			if i+1 < len(os.Args) {
				i++
				crashlog.Path = os.Args[i]
			}
		}
	}

	logger := proxylog.New()

	idx := cacheindex.New(cacheindex.MaxEntries, cacheindex.TTL)
	limiter := fetcher.NewLimiter(rate.Limit(50), 100)
	breakers := fetcher.NewBreakers(5, 30*time.Second)
	producer := fetcher.New(limiter, breakers)
	r := router.New(idx, producer, proxylog.With(logger, "component", "router"))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxycache: listen %s: %v\n", addr, err)
		os.Exit(1)
	}

	logger.Info("proxy listening", "addr", addr, "backlog", router.ListenBacklog)

	crashlog.Go("proxy-listener", func() {
		if err := r.Serve(ln); err != nil {
			logger.Error("proxy listener stopped", err)
		}
	})

	metrics := adminapi.NewMetrics(prometheus.DefaultRegisterer)
	admin := adminapi.New(adminAddr, idx, metrics, proxylog.With(logger, "component", "admin"))
	crashlog.Go("admin-server", func() {
		if err := admin.Start(); err != nil {
			logger.Error("admin server stopped", err)
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if monitor {
		m := dashboard.New(idx)
		p := tea.NewProgram(m, tea.WithAltScreen())

		crashlog.Go("shutdown-handler", func() {
			<-sigChan
			p.Quit()
		})

		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "proxycache: dashboard error: %v\n", err)
		}
		shutdownAdmin(admin)
		ln.Close()
		return
	}

	<-sigChan
	logger.Info("shutting down")
	shutdownAdmin(admin)
	ln.Close()
}

func shutdownAdmin(admin *adminapi.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	admin.Shutdown(ctx)
}

func printUsage() {
	fmt.Println("proxycache - concurrent caching HTTP forward proxy")
	fmt.Println()
	fmt.Println("Usage: proxycache [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --addr ADDR         Listen address for the proxy (default :80)")
	fmt.Println("  --admin-addr ADDR   Listen address for the admin API (default :8080)")
	fmt.Println("  --monitor           Show a live terminal dashboard of cache stats")
	fmt.Println("  --crash-log PATH    Path to write panic crash reports (default /tmp/proxycache-crash.log)")
	fmt.Println("  --help, -h          Show this help message")
}
