package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// compareAndDeleteScript removes KEYS[1] only while it still holds ARGV[1].
const compareAndDeleteScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// ErrProviderClosed is returned by calls made after Close.
var ErrProviderClosed = errors.New("valkey provider closed")

// ValkeyConfig holds connection parameters for the Valkey server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
	// KeyPrefix namespaces every key, e.g. "mirador-triage:".
	KeyPrefix string
	// PoolSize caps idle connections kept for reuse.
	PoolSize int
}

func (c ValkeyConfig) withDefaults() ValkeyConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	return c
}

// ValkeyProvider implements Provider against a Valkey/Redis-compatible server over RESP2. It is
// the shared coordination point when several triage replicas run against one tenant set.
type ValkeyProvider struct {
	cfg  ValkeyConfig
	idle chan *valkeyConn

	mu     sync.Mutex
	closed bool
}

// NewValkeyProvider creates a provider and pings the server so bad credentials or addresses fail
// at startup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	cfg = cfg.withDefaults()
	p := &ValkeyProvider{cfg: cfg, idle: make(chan *valkeyConn, cfg.PoolSize)}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping %s: %w", cfg.Addr, err)
	}
	if reply.kind != kindStatus || string(reply.data) != "PONG" {
		return nil, fmt.Errorf("unexpected PING reply %q", reply.data)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", p.key(key))
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case kindNil:
		return nil, ErrCacheMiss
	case kindBulk:
		return reply.data, nil
	}
	return nil, fmt.Errorf("unexpected GET reply kind %q", reply.kind)
}

// Set stores bytes with the provided TTL. A zero TTL keeps the key until deleted.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	reply, err := p.do(ctx, "SET", p.setArgs(key, value, ttl)...)
	if err != nil {
		return err
	}
	if reply.kind != kindStatus || string(reply.data) != "OK" {
		return fmt.Errorf("unexpected SET reply %q", reply.data)
	}
	return nil
}

// SetNX stores the value only if the key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	reply, err := p.do(ctx, "SET", append(p.setArgs(key, value, ttl), "NX")...)
	if err != nil {
		return false, err
	}
	switch reply.kind {
	case kindStatus:
		return true, nil
	case kindNil:
		return false, nil
	}
	return false, fmt.Errorf("unexpected SET NX reply kind %q", reply.kind)
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", p.key(key))
	return err
}

// CompareAndDelete atomically removes key when it still holds value.
func (p *ValkeyProvider) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	reply, err := p.do(ctx, "EVAL", compareAndDeleteScript, "1", p.key(key), string(value))
	if err != nil {
		return false, err
	}
	if reply.kind != kindInteger {
		return false, fmt.Errorf("unexpected EVAL reply kind %q", reply.kind)
	}
	return string(reply.data) == "1", nil
}

// Close drops pooled connections. Later calls fail with ErrProviderClosed.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)
	for vc := range p.idle {
		vc.close()
	}
	return nil
}

func (p *ValkeyProvider) key(key string) string {
	return p.cfg.KeyPrefix + key
}

func (p *ValkeyProvider) setArgs(key string, value []byte, ttl time.Duration) []string {
	args := []string{p.key(key), string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	return args
}

// do runs one command, retrying transient network failures on a fresh connection.
func (p *ValkeyProvider) do(ctx context.Context, command string, args ...string) (reply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return reply{}, err
			}
		}
		vc, reused, err := p.acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrProviderClosed) || !transient(err) {
				return reply{}, err
			}
			lastErr = err
			continue
		}
		r, err := vc.roundTrip(command, args)
		if err == nil {
			p.release(vc)
			return r, nil
		}
		var serverErr *serverError
		if errors.As(err, &serverErr) {
			// The connection is still in sync after a server-side error reply.
			p.release(vc)
			return reply{}, err
		}
		vc.close()
		if !transient(err) {
			return reply{}, err
		}
		lastErr = err
		if reused {
			// An idle connection the server already dropped does not use up an attempt.
			attempt--
		}
	}
	return reply{}, lastErr
}

// acquire prefers an idle connection and reports whether it was reused.
func (p *ValkeyProvider) acquire(ctx context.Context) (*valkeyConn, bool, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, false, ErrProviderClosed
	}
	select {
	case vc, ok := <-p.idle:
		if ok && vc != nil {
			return vc, true, nil
		}
	default:
	}
	vc, err := p.dial(ctx)
	return vc, false, err
}

func (p *ValkeyProvider) release(vc *valkeyConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		vc.close()
		return
	}
	select {
	case p.idle <- vc:
	default:
		vc.close()
	}
}

func (p *ValkeyProvider) dial(ctx context.Context) (*valkeyConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		d := tls.Dialer{Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostOf(p.cfg.Addr)}}
		conn, err = d.DialContext(dialCtx, "tcp", p.cfg.Addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(dialCtx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	vc := &valkeyConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}
	if err := p.handshake(vc); err != nil {
		vc.close()
		return nil, err
	}
	return vc, nil
}

func (p *ValkeyProvider) handshake(vc *valkeyConn) error {
	if p.cfg.Password != "" {
		args := []string{p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{p.cfg.Username, p.cfg.Password}
		}
		if err := vc.expectOK("AUTH", args...); err != nil {
			return fmt.Errorf("valkey auth: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if err := vc.expectOK("SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			return fmt.Errorf("valkey select %d: %w", p.cfg.DB, err)
		}
	}
	return nil
}

type replyKind string

const (
	kindStatus  replyKind = "status"
	kindBulk    replyKind = "bulk"
	kindInteger replyKind = "integer"
	kindNil     replyKind = "nil"
)

type reply struct {
	kind replyKind
	data []byte
}

// serverError is an error reply sent by the server, e.g. WRONGTYPE or NOAUTH.
type serverError struct {
	msg string
}

func (e *serverError) Error() string { return "valkey: " + e.msg }

type valkeyConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (vc *valkeyConn) close() {
	_ = vc.conn.Close()
}

func (vc *valkeyConn) expectOK(command string, args ...string) error {
	r, err := vc.roundTrip(command, args)
	if err != nil {
		return err
	}
	if r.kind != kindStatus || !strings.EqualFold(string(r.data), "OK") {
		return fmt.Errorf("unexpected %s reply %q", command, r.data)
	}
	return nil
}

func (vc *valkeyConn) roundTrip(command string, args []string) (reply, error) {
	if err := vc.send(command, args); err != nil {
		return reply{}, err
	}
	return vc.receive()
}

func (vc *valkeyConn) send(command string, args []string) error {
	if err := vc.conn.SetWriteDeadline(time.Now().Add(vc.writeTimeout)); err != nil {
		return err
	}
	fmt.Fprintf(vc.writer, "*%d\r\n", len(args)+1)
	writeBulk(vc.writer, command)
	for _, a := range args {
		writeBulk(vc.writer, a)
	}
	return vc.writer.Flush()
}

func writeBulk(w *bufio.Writer, s string) {
	fmt.Fprintf(w, "$%d\r\n", len(s))
	w.WriteString(s)
	w.WriteString("\r\n")
}

func (vc *valkeyConn) receive() (reply, error) {
	if err := vc.conn.SetReadDeadline(time.Now().Add(vc.readTimeout)); err != nil {
		return reply{}, err
	}
	line, err := vc.reader.ReadString('\n')
	if err != nil {
		return reply{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return reply{}, errors.New("empty RESP line")
	}
	body := line[1:]
	switch line[0] {
	case '+':
		return reply{kind: kindStatus, data: []byte(body)}, nil
	case '-':
		return reply{}, &serverError{msg: body}
	case ':':
		return reply{kind: kindInteger, data: []byte(body)}, nil
	case '_':
		return reply{kind: kindNil}, nil
	case '$':
		size, err := strconv.Atoi(body)
		if err != nil {
			return reply{}, fmt.Errorf("bad bulk length %q: %w", body, err)
		}
		if size < 0 {
			return reply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(vc.reader, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, errors.New("invalid bulk termination")
		}
		return reply{kind: kindBulk, data: buf[:size]}, nil
	}
	return reply{}, fmt.Errorf("unsupported RESP prefix %q", line[0])
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 25 * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func transient(err error) bool {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNREFUSED):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
