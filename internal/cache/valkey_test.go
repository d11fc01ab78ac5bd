package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeValkey speaks enough RESP for PING, GET, SET [PX ms] [NX], DEL and the compare-and-delete
// EVAL script.
type fakeValkey struct {
	mu    sync.Mutex
	data  map[string]string
	ln    net.Listener
	dials int
	conns []net.Conn
}

func startFakeValkey(t *testing.T) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeValkey{data: make(map[string]string), ln: ln}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.dials++
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handle(conn)
	}
}

// dropConnections closes every accepted connection, as a server restart or idle timeout would.
func (f *fakeValkey) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readArray(r)
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte(f.exec(args)))
	}
}

func (f *fakeValkey) exec(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "GET":
		v, ok := f.data[args[1]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "SET":
		nx := strings.EqualFold(args[len(args)-1], "NX")
		if _, exists := f.data[args[1]]; nx && exists {
			return "$-1\r\n"
		}
		f.data[args[1]] = args[2]
		return "+OK\r\n"
	case "DEL":
		delete(f.data, args[1])
		return ":1\r\n"
	case "EVAL":
		if args[1] != compareAndDeleteScript || args[2] != "1" {
			return "-ERR unsupported script\r\n"
		}
		if v, ok := f.data[args[3]]; ok && v == args[4] {
			delete(f.data, args[3])
			return ":1\r\n"
		}
		return ":0\r\n"
	}
	return "-ERR unknown command\r\n"
}

func readArray(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "*")))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		out = append(out, string(buf[:size]))
	}
	return out, nil
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	srv := startFakeValkey(t)
	p, err := NewValkeyProvider(ValkeyConfig{Addr: srv.ln.Addr().String(), KeyPrefix: "triage:", DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	if err := p.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("unexpected get %q err=%v", got, err)
	}

	srv.mu.Lock()
	_, prefixed := srv.data["triage:k"]
	srv.mu.Unlock()
	if !prefixed {
		t.Fatalf("expected key prefix to be applied")
	}

	ok, err := p.SetNX(ctx, "k", []byte("v2"), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected SetNX on existing key to fail, ok=%v err=%v", ok, err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	ok, err = p.SetNX(ctx, "k", []byte("v3"), 0)
	if err != nil || !ok {
		t.Fatalf("expected SetNX after delete to succeed, ok=%v err=%v", ok, err)
	}
}

func TestValkeyProviderReusesConnections(t *testing.T) {
	srv := startFakeValkey(t)
	p, err := NewValkeyProvider(ValkeyConfig{Addr: srv.ln.Addr().String(), PoolSize: 2})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := p.Set(ctx, "k", []byte(strconv.Itoa(i)), 0); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	srv.mu.Lock()
	dials := srv.dials
	srv.mu.Unlock()
	if dials != 1 {
		t.Fatalf("expected sequential calls to share one connection, saw %d dials", dials)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed after close, got %v", err)
	}
}

func TestValkeyProviderRedialsStaleConnection(t *testing.T) {
	srv := startFakeValkey(t)
	p, err := NewValkeyProvider(ValkeyConfig{Addr: srv.ln.Addr().String(), MaxRetries: 1})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	srv.dropConnections()

	if err := p.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("expected set to succeed on a fresh connection, got %v", err)
	}
	srv.mu.Lock()
	dials := srv.dials
	srv.mu.Unlock()
	if dials != 2 {
		t.Fatalf("expected one redial, saw %d dials", dials)
	}
}

func TestValkeyCompareAndDelete(t *testing.T) {
	srv := startFakeValkey(t)
	p, err := NewValkeyProvider(ValkeyConfig{Addr: srv.ln.Addr().String(), KeyPrefix: "triage:"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()
	if err := p.Set(ctx, "lease", []byte("owner-a"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	deleted, err := ReleaseOwned(ctx, p, "lease", []byte("owner-b"))
	if err != nil || deleted {
		t.Fatalf("expected foreign token to be ignored, deleted=%v err=%v", deleted, err)
	}
	deleted, err = ReleaseOwned(ctx, p, "lease", []byte("owner-a"))
	if err != nil || !deleted {
		t.Fatalf("expected owner release, deleted=%v err=%v", deleted, err)
	}
	if _, err := p.Get(ctx, "lease"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected lease to be gone, got %v", err)
	}
}

func TestValkeyServerErrorKeepsConnection(t *testing.T) {
	srv := startFakeValkey(t)
	p, err := NewValkeyProvider(ValkeyConfig{Addr: srv.ln.Addr().String()})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = p.do(context.Background(), "FLUSHALL")
	var serverErr *serverError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected server error, got %v", err)
	}
	if _, err := p.Get(context.Background(), "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected pooled connection to stay usable, got %v", err)
	}
}

func TestNewValkeyProviderRequiresAddr(t *testing.T) {
	if _, err := NewValkeyProvider(ValkeyConfig{}); err == nil {
		t.Fatalf("expected error without addr")
	}
}
