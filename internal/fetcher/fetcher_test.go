package fetcher

import (
	"net"
	"testing"
	"time"

	"github.com/eviltik/proxycache/internal/streambuffer"
)

type pipeDialer struct {
	conn net.Conn
	err  error
}

func (d pipeDialer) Dial(network, addr string) (net.Conn, error) {
	return d.conn, d.err
}

func TestFetchCompletesOnCleanEOF(t *testing.T) {
	client, origin := net.Pipe()
	f := New(nil, nil).WithDialer(pipeDialer{conn: client})
	buf := streambuffer.New()

	go func() {
		req := make([]byte, 4096)
		n, _ := origin.Read(req)
		_ = n
		origin.Write([]byte("HTTP/1.0 200 OK\r\n\r\nhello"))
		origin.Close()
	}()

	f.Fetch(Target{Host: "example.test", Port: "80", Path: "/a"}, buf)

	if !buf.IsComplete() {
		t.Fatal("expected buffer to be complete")
	}
	if buf.Err() != nil {
		t.Fatalf("expected no error, got %v", buf.Err())
	}
	if string(buf.Snapshot()) != "HTTP/1.0 200 OK\r\n\r\nhello" {
		t.Fatalf("unexpected buffer contents: %q", buf.Snapshot())
	}
}

func TestFetchFailsOnDialError(t *testing.T) {
	f := New(nil, nil).WithDialer(pipeDialer{conn: nil, err: net.ErrClosed})
	buf := streambuffer.New()

	f.Fetch(Target{Host: "down.test", Port: "80", Path: "/"}, buf)

	if !buf.IsComplete() {
		t.Fatal("expected buffer latched terminal after dial failure")
	}
	if buf.Err() == nil {
		t.Fatal("expected error latched after dial failure")
	}
}

func TestFetchFailsOnMidStreamReadError(t *testing.T) {
	client, origin := net.Pipe()
	defer origin.Close()
	f := New(nil, nil).WithDialer(pipeDialer{conn: client})
	buf := streambuffer.New()

	go func() {
		req := make([]byte, 4096)
		origin.Read(req)
		origin.Write([]byte("partial"))
		// Closing the peer would surface a clean io.EOF on net.Pipe, so
		// expire the fetcher's read deadline instead: its next Read fails
		// with a timeout error, which the fetcher must treat as a failure
		// rather than a clean EOF.
		client.SetReadDeadline(time.Now())
	}()

	f.Fetch(Target{Host: "flaky.test", Port: "80", Path: "/x"}, buf)

	if !buf.IsComplete() {
		t.Fatal("expected buffer latched terminal")
	}
	if buf.Err() == nil {
		t.Fatal("expected error latched after mid-stream read error")
	}
}

func TestRequestLineFormat(t *testing.T) {
	client, origin := net.Pipe()
	f := New(nil, nil).WithDialer(pipeDialer{conn: client})
	buf := streambuffer.New()

	received := make(chan string, 1)
	go func() {
		req := make([]byte, 4096)
		n, _ := origin.Read(req)
		received <- string(req[:n])
		origin.Write([]byte("HTTP/1.0 200 OK\r\n\r\nok"))
		origin.Close()
	}()

	f.Fetch(Target{Host: "example.test", Port: "80", Path: "/path"}, buf)

	select {
	case got := <-received:
		want := "GET /path HTTP/1.0\r\nHost: example.test\r\nConnection: close\r\n\r\n"
		if got != want {
			t.Fatalf("request line = %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("origin never received request")
	}
}
