// Package smtppool provides a thread-safe SMTP connection pool that reuses
// TCP connections via the RSET command for efficient bulk RCPT probing.
//
// Every check is bounded by its context: the deadline covers the TCP
// connect and the whole command exchange, and cancelling the context
// unblocks a check that is waiting on the network. DATA is never sent.
package smtppool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrClosed  = errors.New("smtppool: pool is closed")
	ErrTimeout = errors.New("smtppool: timeout")
)

// ReplyError is a negative reply received before the RCPT stage, such as a
// 554 banner or a rejected EHLO.
type ReplyError struct {
	Stage   string
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("smtppool: %s rejected: %d %s", e.Stage, e.Code, e.Message)
}

// Config configures the SMTP connection pool.
type Config struct {
	HeloDomain string
	MailFrom   string
	Port       string
	// CommandTimeout bounds a check whose context carries no deadline.
	CommandTimeout  time.Duration
	MaxConnsPerHost int           // max idle connections per MX host (default: 3)
	MaxUsesPerConn  int           // max RCPT checks per connection before reconnect (default: 100)
	MaxConnAge      time.Duration // max lifetime of a connection (default: 5m)
	// Dial is injectable for testing. Defaults to net.Dialer.DialContext.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Pool manages SMTP connections per MX host.
type Pool struct {
	cfg    Config
	mu     sync.Mutex
	hosts  map[string][]*conn
	closed bool
}

type conn struct {
	netConn   net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	createdAt time.Time
	uses      int
}

// New creates a new SMTP connection pool.
func New(cfg Config) *Pool {
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	if cfg.Port == "" {
		cfg.Port = "25"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 3
	}
	if cfg.MaxUsesPerConn <= 0 {
		cfg.MaxUsesPerConn = 100
	}
	if cfg.MaxConnAge <= 0 {
		cfg.MaxConnAge = 5 * time.Minute
	}
	return &Pool{
		cfg:   cfg,
		hosts: make(map[string][]*conn),
	}
}

// CheckRCPT performs an SMTP RCPT TO check using a pooled connection.
// For new connections: Banner → EHLO → MAIL FROM → RCPT TO
// For reused connections: RSET → MAIL FROM → RCPT TO
// Returns the RCPT TO response code and message. Failures before RCPT are
// returned as *ReplyError when the server answered, or as transport errors
// (wrapping ErrTimeout when the deadline was hit) when it did not.
func (p *Pool) CheckRCPT(ctx context.Context, mxHost, email string) (code int, msg string, err error) {
	c, isNew, err := p.get(ctx, mxHost)
	if err != nil {
		return 0, "", classify(ctx, err)
	}

	code, msg, err = p.run(ctx, c, email, isNew)
	if err != nil && !isNew && ctx.Err() == nil {
		var re *ReplyError
		if !errors.As(err, &re) {
			// the server may have dropped an idle connection; retry on a fresh one
			_ = c.netConn.Close()
			if c, err = p.dial(ctx, mxHost); err != nil {
				return 0, "", classify(ctx, err)
			}
			code, msg, err = p.run(ctx, c, email, true)
		}
	}
	if err != nil {
		_ = c.netConn.Close()
		return 0, "", classify(ctx, err)
	}

	p.put(mxHost, c)
	return code, msg, nil
}

// run executes one check with the connection deadline tied to ctx.
func (p *Pool) run(ctx context.Context, c *conn, email string, isNew bool) (int, string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.cfg.CommandTimeout)
	}
	if err := c.netConn.SetDeadline(deadline); err != nil {
		return 0, "", fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.netConn.SetDeadline(time.Now())
	})
	code, msg, err := p.doCheck(c, email, isNew)
	if !stop() && err == nil {
		// cancelled just as the reply arrived; the conn deadline is poisoned
		err = ctx.Err()
	}
	return code, msg, err
}

// Close closes all connections in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for host, conns := range p.hosts {
		for _, c := range conns {
			sendQuit(c)
			_ = c.netConn.Close()
		}
		delete(p.hosts, host)
	}
	return nil
}

// Idle returns the number of pooled connections for mxHost.
func (p *Pool) Idle(mxHost string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hosts[mxHost])
}

// get retrieves an existing connection from the pool or creates a new one.
func (p *Pool) get(ctx context.Context, mxHost string) (*conn, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrClosed
	}

	conns := p.hosts[mxHost]

	// Try to find a reusable connection (LIFO for better locality)
	for i := len(conns) - 1; i >= 0; i-- {
		c := conns[i]
		conns = conns[:i]
		if c.uses >= p.cfg.MaxUsesPerConn || time.Since(c.createdAt) > p.cfg.MaxConnAge {
			// Too old or too many uses
			sendQuit(c)
			_ = c.netConn.Close()
			continue
		}
		p.hosts[mxHost] = conns
		p.mu.Unlock()
		return c, false, nil
	}
	p.hosts[mxHost] = conns
	p.mu.Unlock()

	// Dial outside the lock so a slow host does not block the others
	c, err := p.dial(ctx, mxHost)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// put returns a connection to the pool for reuse.
func (p *Pool) put(mxHost string, c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.hosts[mxHost]) >= p.cfg.MaxConnsPerHost {
		sendQuit(c)
		_ = c.netConn.Close()
		return
	}

	p.hosts[mxHost] = append(p.hosts[mxHost], c)
}

// dial creates a new TCP connection to the MX host.
func (p *Pool) dial(ctx context.Context, mxHost string) (*conn, error) {
	address := net.JoinHostPort(mxHost, p.cfg.Port)
	netConn, err := p.cfg.Dial(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}

	return &conn{
		netConn:   netConn,
		reader:    bufio.NewReader(netConn),
		writer:    bufio.NewWriter(netConn),
		createdAt: time.Now(),
	}, nil
}

// doCheck performs the SMTP exchange on a connection.
func (p *Pool) doCheck(c *conn, email string, isNew bool) (int, string, error) {
	if isNew {
		code, msg, err := readResponse(c.reader)
		if err != nil {
			return 0, "", fmt.Errorf("read banner: %w", err)
		}
		if code >= 400 {
			return 0, "", &ReplyError{Stage: "banner", Code: code, Message: msg}
		}

		code, msg, err = command(c, fmt.Sprintf("EHLO %s\r\n", p.cfg.HeloDomain))
		if err != nil {
			return 0, "", fmt.Errorf("EHLO failed: %w", err)
		}
		if code >= 400 {
			// some servers only speak HELO
			code, msg, err = command(c, fmt.Sprintf("HELO %s\r\n", p.cfg.HeloDomain))
			if err != nil {
				return 0, "", fmt.Errorf("HELO failed: %w", err)
			}
			if code >= 400 {
				return 0, "", &ReplyError{Stage: "HELO", Code: code, Message: msg}
			}
		}
	} else {
		// RSET to start a fresh transaction on the reused connection
		code, msg, err := command(c, "RSET\r\n")
		if err != nil {
			return 0, "", fmt.Errorf("RSET failed: %w", err)
		}
		if code >= 400 {
			return 0, "", fmt.Errorf("RSET rejected: %d %s", code, msg)
		}
	}

	code, msg, err := command(c, fmt.Sprintf("MAIL FROM:<%s>\r\n", p.cfg.MailFrom))
	if err != nil {
		return 0, "", fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if code >= 400 {
		return 0, "", &ReplyError{Stage: "MAIL FROM", Code: code, Message: msg}
	}

	code, msg, err = command(c, fmt.Sprintf("RCPT TO:<%s>\r\n", email))
	if err != nil {
		return 0, "", fmt.Errorf("RCPT TO failed: %w", err)
	}

	c.uses++
	return code, msg, nil
}

// command sends an SMTP command and reads the response.
func command(c *conn, cmd string) (int, string, error) {
	if _, err := c.writer.WriteString(cmd); err != nil {
		return 0, "", err
	}
	if err := c.writer.Flush(); err != nil {
		return 0, "", err
	}
	return readResponse(c.reader)
}

// sendQuit sends a QUIT command (best-effort, ignores errors).
func sendQuit(c *conn) {
	_ = c.netConn.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = c.writer.WriteString("QUIT\r\n")
	_ = c.writer.Flush()
}

// classify maps deadline and cancellation failures onto ErrTimeout and the
// context error so callers can tell them apart from other transport errors.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, ErrClosed) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// readResponse reads a (possibly multi-line) SMTP response.
func readResponse(r *bufio.Reader) (code int, full string, err error) {
	var lines []string
	for {
		line, readErr := r.ReadString('\n')
		if readErr != nil {
			return 0, "", fmt.Errorf("read SMTP response: %w", readErr)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			return 0, "", errors.New("SMTP response line too short")
		}
		lines = append(lines, line)
		// If the 4th character is not '-', this is the last line
		if len(line) < 4 || line[3] != '-' {
			break
		}
	}

	lastLine := lines[len(lines)-1]
	code, err = strconv.Atoi(lastLine[:3])
	if err != nil || code < 200 || code > 599 {
		return 0, "", fmt.Errorf("invalid SMTP response code %q", lastLine[:3])
	}
	return code, strings.Join(lines, " | "), nil
}
