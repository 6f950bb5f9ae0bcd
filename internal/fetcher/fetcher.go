// Package fetcher implements the origin producer: the single goroutine
// that opens a connection to an origin host, issues the cached request,
// and forwards every received byte into a streambuffer.Buffer until it
// calls exactly one of Complete or Fail.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/eviltik/proxycache/internal/streambuffer"
)

// DialTimeout bounds how long a producer waits to establish the origin
// connection before treating it as a connect failure.
const DialTimeout = 10 * time.Second

// ReadChunkSize is the size of the read buffer used to pull bytes off the
// origin socket before forwarding them to the buffer's Append.
const ReadChunkSize = 32 * 1024

// Target names the origin a producer fetches from, already split the way
// RequestRouter derives it from the request line.
type Target struct {
	Host string
	Port string
	Path string
}

// Addr returns "host:port" suitable for net.Dial.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// Dialer abstracts connection establishment so tests can substitute an
// in-memory origin without opening real sockets.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type netDialer struct {
	timeout time.Duration
}

func (d netDialer) Dial(network, addr string) (net.Conn, error) {
	return net.DialTimeout(network, addr, d.timeout)
}

// Limiter governs how frequently a Fetcher may open new origin
// connections, keyed per host so a burst of misses against one slow
// origin cannot starve fetches to other origins.
type Limiter struct {
	mu       sync.Mutex
	perHost  map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewLimiter builds a per-host token bucket limiter allowing r connects
// per second with the given burst, lazily created on first use per host.
func NewLimiter(r rate.Limit, burst int) *Limiter {
	return &Limiter{
		perHost: make(map[string]*rate.Limiter),
		rate:    r,
		burst:   burst,
	}
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perHost[host]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.perHost[host] = lim
	}
	return lim
}

// Breakers holds one circuit breaker per origin host, opening after
// repeated connect/read failures so a persistently broken origin stops
// absorbing producer goroutines and dial timeouts on every cache miss.
type Breakers struct {
	mu       sync.Mutex
	perHost  map[string]*gobreaker.CircuitBreaker
	settings gobreaker.Settings
}

// NewBreakers builds a per-host circuit breaker set. Each breaker trips
// once consecutive failures reach the given threshold and half-opens
// after the given cooldown.
func NewBreakers(failureThreshold uint32, cooldown time.Duration) *Breakers {
	return &Breakers{
		perHost: make(map[string]*gobreaker.CircuitBreaker),
		settings: gobreaker.Settings{
			Name:    "origin",
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failureThreshold
			},
		},
	}
}

func (b *Breakers) forHost(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.perHost[host]
	if !ok {
		settings := b.settings
		settings.Name = host
		cb = gobreaker.NewCircuitBreaker(settings)
		b.perHost[host] = cb
	}
	return cb
}

// Fetcher opens origin connections and drives a streambuffer.Buffer to
// completion. The zero value uses real TCP dialing with no rate limiting
// or circuit breaking; construct via New to wire those in.
type Fetcher struct {
	dialer   Dialer
	limiter  *Limiter
	breakers *Breakers
}

// New builds a Fetcher using real TCP sockets, the given per-host connect
// rate limiter, and the given per-host circuit breakers. limiter and
// breakers may be nil to disable that guard.
func New(limiter *Limiter, breakers *Breakers) *Fetcher {
	return &Fetcher{
		dialer:   netDialer{timeout: DialTimeout},
		limiter:  limiter,
		breakers: breakers,
	}
}

// WithDialer returns a copy of f using d instead of real TCP sockets, for
// tests.
func (f *Fetcher) WithDialer(d Dialer) *Fetcher {
	cp := *f
	cp.dialer = d
	return &cp
}

// Fetch opens a connection to target, issues the HTTP/1.0 request, and
// forwards every byte received into buf, calling exactly one of
// buf.Complete or buf.Fail before returning. It never holds buf's internal
// lock across network I/O; Append/Complete/Fail each take the lock only
// for their own O(1) critical section.
func (f *Fetcher) Fetch(target Target, buf *streambuffer.Buffer) {
	if f.limiter != nil {
		if err := f.limiter.forHost(target.Host).Wait(context.Background()); err != nil {
			buf.Fail(errors.Wrap(err, "fetcher: rate limit wait"))
			return
		}
	}

	if f.breakers == nil {
		f.fetchDirect(target, buf)
		return
	}

	cb := f.breakers.forHost(target.Host)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, f.fetchDirect(target, buf)
	})
	if err != nil && err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
		return
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		buf.Fail(errors.Wrap(err, "fetcher: circuit open for origin"))
	}
}

// fetchDirect performs the actual dial/request/relay cycle and returns any
// error so the circuit breaker can observe it, while also recording the
// terminal state onto buf itself.
func (f *Fetcher) fetchDirect(target Target, buf *streambuffer.Buffer) error {
	dialer := f.dialer
	if dialer == nil {
		dialer = netDialer{timeout: DialTimeout}
	}
	conn, err := dialer.Dial("tcp", target.Addr())
	if err != nil {
		wrapped := errors.Wrapf(err, "fetcher: connect to %s", target.Addr())
		buf.Fail(wrapped)
		return wrapped
	}
	defer conn.Close()

	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", target.Path, target.Host)
	if _, err := conn.Write([]byte(req)); err != nil {
		wrapped := errors.Wrapf(err, "fetcher: write request to %s", target.Addr())
		buf.Fail(wrapped)
		return wrapped
	}

	chunk := make([]byte, ReadChunkSize)
	for {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			if !buf.Append(chunk[:n]) {
				err := errors.New("fetcher: buffer rejected append")
				if bufErr := buf.Err(); bufErr != nil {
					err = bufErr
				}
				return err
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				buf.Complete()
				return nil
			}
			wrapped := errors.Wrapf(rerr, "fetcher: read from %s", target.Addr())
			buf.Fail(wrapped)
			return wrapped
		}
	}
}
