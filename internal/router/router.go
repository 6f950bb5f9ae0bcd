// Package router implements RequestRouter: the per-connection request
// handling loop that parses a client's GET request, consults the
// CacheIndex, and streams the cached or freshly-fetched response back to
// the client socket.
package router

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/eviltik/proxycache/internal/cacheindex"
	"github.com/eviltik/proxycache/internal/crashlog"
	"github.com/eviltik/proxycache/internal/fetcher"
	"github.com/eviltik/proxycache/internal/proxylog"
	"github.com/eviltik/proxycache/internal/streambuffer"
)

// MaxRequestHead is the cap on bytes read while looking for the end of the
// request header block.
const MaxRequestHead = 8 * 1024

// ListenBacklog is the accept backlog size reported in the startup log. It
// is not applied to the socket: net.Listen uses the operating system's
// default backlog.
const ListenBacklog = 50

const (
	badRequest         = "HTTP/1.0 400 Bad Request\r\n\r\n"
	internalError      = "HTTP/1.0 500 Internal Server Error\r\n\r\n"
)

// Producer launches the origin fetch for a cache miss. RequestRouter does
// not know how fetching works; it only knows the contract that exactly one
// of buf.Complete or buf.Fail will eventually be called.
type Producer interface {
	Fetch(target fetcher.Target, buf *streambuffer.Buffer)
}

// Router ties a CacheIndex to a Producer and serves client connections
// accepted on its listener.
type Router struct {
	index    *cacheindex.Index
	producer Producer
	log      *proxylog.Logger
}

// New builds a Router against idx, dispatching cache-miss fetches to
// producer.
func New(idx *cacheindex.Index, producer Producer, logger *proxylog.Logger) *Router {
	if logger == nil {
		logger = proxylog.Discard()
	}
	return &Router{index: idx, producer: producer, log: logger}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed during shutdown). Each accepted connection is
// handled in its own panic-safe goroutine.
func (r *Router) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		requestID := uuid.NewString()
		crashlog.Go("router-conn-"+requestID, func() {
			r.handle(conn, requestID)
		})
	}
}

func (r *Router) handle(conn net.Conn, requestID string) {
	defer conn.Close()

	target, err := readRequestTarget(conn)
	if err != nil {
		conn.Write([]byte(badRequest))
		r.log.Debug("malformed request", "request_id", requestID, "err", err)
		return
	}

	entry, ok := r.prepareEntry(conn, requestID, target)
	if !ok {
		return
	}

	key := target.Host + ":" + target.Port + target.Path
	r.serveHit(conn, entry, requestID, key)
}

// prepareEntry resolves the cache entry to stream from, installing a fresh
// one and launching its producer on a miss. A panic during entry/buffer
// setup (the only realistic source of an "internal allocation failure" in
// a garbage-collected runtime) is caught here and reported to the client
// as a 500 before streaming has begun, rather than left for crashlog.Go's
// top-level recovery, which has no client connection to answer on.
func (r *Router) prepareEntry(conn net.Conn, requestID string, target fetcher.Target) (entry *cacheindex.Entry, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			crashlog.Write(rec, "router-prepare-"+requestID)
			conn.Write([]byte(internalError))
			entry, ok = nil, false
		}
	}()

	key := target.Host + ":" + target.Port + target.Path

	if e, hit := r.index.Lookup(key); hit {
		return e, true
	}

	buf := streambuffer.New()
	e, installed := r.index.Install(key, buf)
	if installed {
		crashlog.Go("producer-"+requestID, func() {
			r.producer.Fetch(target, buf)
			r.index.NotifyReaderDetached()
		})
	}
	return e, true
}

// serveHit handles both the hit-complete and hit-streaming paths; the
// buffer itself tells us which one applies.
func (r *Router) serveHit(conn net.Conn, entry *cacheindex.Entry, requestID, key string) {
	if entry.Buffer.IsComplete() && entry.Buffer.Err() == nil {
		entry.Buffer.AttachReader()
		defer func() {
			entry.Buffer.DetachReader()
			r.index.NotifyReaderDetached()
		}()
		data := entry.Buffer.Snapshot()
		if _, err := conn.Write(data); err != nil {
			r.log.Debug("client write failed on hit-complete", "request_id", requestID, "key", key, "err", err)
		}
		return
	}

	r.streamToClient(conn, entry, requestID, key)
}

func (r *Router) streamToClient(conn net.Conn, entry *cacheindex.Entry, requestID, key string) {
	entry.Buffer.AttachReader()
	defer func() {
		entry.Buffer.DetachReader()
		r.index.NotifyReaderDetached()
	}()

	if err := entry.Buffer.Stream(conn); err != nil {
		r.log.Debug("stream ended with error", "request_id", requestID, "key", key, "err", err)
	}
}

// readRequestTarget reads the client's request head up to MaxRequestHead
// bytes looking for the terminating blank line, then parses it into a
// fetcher.Target. Only absolute-form GET requests are accepted.
func readRequestTarget(conn net.Conn) (fetcher.Target, error) {
	r := bufio.NewReaderSize(io.LimitReader(conn, MaxRequestHead), MaxRequestHead)
	line, err := r.ReadString('\n')
	if err != nil {
		return fetcher.Target{}, fmt.Errorf("router: reading request line: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")

	for {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return fetcher.Target{}, fmt.Errorf("router: reading headers: %w", err)
		}
		if strings.TrimRight(hdr, "\r\n") == "" {
			break
		}
	}

	return parseRequestLine(line)
}

// parseRequestLine parses "GET http://host[:port]/path HTTP/1.x" into a
// fetcher.Target, rejecting anything else.
func parseRequestLine(line string) (fetcher.Target, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fetcher.Target{}, fmt.Errorf("router: malformed request line %q", line)
	}
	method, rawURL, proto := fields[0], fields[1], fields[2]

	if method != "GET" {
		return fetcher.Target{}, fmt.Errorf("router: unsupported method %q", method)
	}
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return fetcher.Target{}, fmt.Errorf("router: unsupported protocol %q", proto)
	}

	rest := rawURL
	rest = strings.TrimPrefix(rest, "http://")
	if rest == rawURL {
		return fetcher.Target{}, fmt.Errorf("router: expected absolute-form URL, got %q", rawURL)
	}

	hostPort := rest
	path := "/"
	if idx := strings.Index(rest, "/"); idx >= 0 {
		hostPort = rest[:idx]
		path = rest[idx:]
	}
	if hostPort == "" {
		return fetcher.Target{}, fmt.Errorf("router: missing host in %q", rawURL)
	}

	host := hostPort
	port := "80"
	if idx := strings.LastIndex(hostPort, ":"); idx >= 0 {
		host = hostPort[:idx]
		port = hostPort[idx+1:]
		if _, err := strconv.Atoi(port); err != nil {
			return fetcher.Target{}, fmt.Errorf("router: malformed port in %q", hostPort)
		}
	}

	return fetcher.Target{Host: host, Port: port, Path: path}, nil
}
