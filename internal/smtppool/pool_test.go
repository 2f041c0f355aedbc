package smtppool_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/mailverify/internal/smtppool"
)

// mockSMTPServer simulates an SMTP server on a net.Pipe connection.
func mockSMTPServer(server net.Conn, banner string, responses map[string]string) {
	defer func() { _ = server.Close() }()

	_, _ = fmt.Fprintf(server, "%s\r\n", banner)

	buf := make([]byte, 4096)
	for {
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		cmd := string(buf[:n])

		if strings.HasPrefix(cmd, "QUIT") {
			_, _ = fmt.Fprintf(server, "221 Bye\r\n")
			return
		}
		if strings.HasPrefix(cmd, "DATA") {
			panic("DATA must never be sent")
		}
		for prefix, resp := range responses {
			if strings.HasPrefix(cmd, prefix) {
				_, _ = fmt.Fprintf(server, "%s\r\n", resp)
				break
			}
		}
	}
}

func okResponses() map[string]string {
	return map[string]string{
		"EHLO":      "250-mock.smtp\r\n250 PIPELINING",
		"RSET":      "250 OK",
		"MAIL FROM": "250 OK",
		"RCPT TO":   "250 OK",
	}
}

func pipeDial(dials *atomic.Int64, banner string, responses map[string]string) func(context.Context, string, string) (net.Conn, error) {
	return func(context.Context, string, string) (net.Conn, error) {
		dials.Add(1)
		client, server := net.Pipe()
		go mockSMTPServer(server, banner, responses)
		return client, nil
	}
}

func newPool(dial func(context.Context, string, string) (net.Conn, error)) *smtppool.Pool {
	return smtppool.New(smtppool.Config{
		HeloDomain:      "test.com",
		MailFrom:        "verify@test.com",
		CommandTimeout:  5 * time.Second,
		Port:            "25",
		MaxConnsPerHost: 2,
		MaxUsesPerConn:  10,
		MaxConnAge:      time.Minute,
		Dial:            dial,
	})
}

func TestPool_NewConnectionAndReuse(t *testing.T) {
	var dials atomic.Int64
	pool := newPool(pipeDial(&dials, "220 mock.smtp ESMTP", okResponses()))
	defer func() { _ = pool.Close() }()

	// First check: creates new connection
	code, _, err := pool.CheckRCPT(context.Background(), "mx.example.com", "user1@example.com")
	assert.NoError(t, err)
	assert.Equal(t, 250, code)
	assert.Equal(t, int64(1), dials.Load())
	assert.Equal(t, 1, pool.Idle("mx.example.com"))

	// Second check: should reuse the connection (RSET)
	code, _, err = pool.CheckRCPT(context.Background(), "mx.example.com", "user2@example.com")
	assert.NoError(t, err)
	assert.Equal(t, 250, code)
	assert.Equal(t, int64(1), dials.Load())
}

func TestPool_DifferentHosts(t *testing.T) {
	var dials atomic.Int64
	pool := newPool(pipeDial(&dials, "220 mock.smtp ESMTP", okResponses()))
	defer func() { _ = pool.Close() }()

	_, _, _ = pool.CheckRCPT(context.Background(), "mx1.example.com", "user@example.com")
	_, _, _ = pool.CheckRCPT(context.Background(), "mx2.example.com", "user@other.com")
	assert.Equal(t, int64(2), dials.Load())
}

func TestPool_RejectedRCPT(t *testing.T) {
	var dials atomic.Int64
	responses := okResponses()
	responses["RCPT TO"] = "550 5.1.1 User not found"
	pool := newPool(pipeDial(&dials, "220 mock.smtp ESMTP", responses))
	defer func() { _ = pool.Close() }()

	code, msg, err := pool.CheckRCPT(context.Background(), "mx.example.com", "nobody@example.com")
	assert.NoError(t, err)
	assert.Equal(t, 550, code)
	assert.Contains(t, msg, "User not found")
}

func TestPool_BannerRejected(t *testing.T) {
	var dials atomic.Int64
	pool := newPool(pipeDial(&dials, "554 No SMTP service here", okResponses()))
	defer func() { _ = pool.Close() }()

	_, _, err := pool.CheckRCPT(context.Background(), "mx.example.com", "user@example.com")
	var re *smtppool.ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "banner", re.Stage)
	assert.Equal(t, 554, re.Code)
}

func TestPool_HELOFallback(t *testing.T) {
	var dials atomic.Int64
	responses := okResponses()
	responses["EHLO"] = "502 Command not implemented"
	responses["HELO"] = "250 mock.smtp"
	pool := newPool(pipeDial(&dials, "220 mock.smtp", responses))
	defer func() { _ = pool.Close() }()

	code, _, err := pool.CheckRCPT(context.Background(), "mx.example.com", "user@example.com")
	assert.NoError(t, err)
	assert.Equal(t, 250, code)
}

func TestPool_ConnectionError(t *testing.T) {
	pool := newPool(func(context.Context, string, string) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	})
	defer func() { _ = pool.Close() }()

	_, _, err := pool.CheckRCPT(context.Background(), "mx.example.com", "user@example.com")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, smtppool.ErrTimeout))
}

func TestPool_ConnectTimeout(t *testing.T) {
	// a dial that hangs until the context gives up
	pool := newPool(func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	defer func() { _ = pool.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := pool.CheckRCPT(ctx, "mx.example.com", "user@example.com")
	assert.ErrorIs(t, err, smtppool.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPool_HandshakeTimeout(t *testing.T) {
	// the server accepts the connection but never sends a banner
	pool := newPool(func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		t.Cleanup(func() { _ = server.Close() })
		return client, nil
	})
	defer func() { _ = pool.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := pool.CheckRCPT(ctx, "mx.example.com", "user@example.com")
	assert.ErrorIs(t, err, smtppool.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, pool.Idle("mx.example.com"))
}

func TestPool_Cancel(t *testing.T) {
	pool := newPool(func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		t.Cleanup(func() { _ = server.Close() })
		return client, nil
	})
	defer func() { _ = pool.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, _, err := pool.CheckRCPT(ctx, "mx.example.com", "user@example.com")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, smtppool.ErrTimeout))
}

func TestPool_StaleConnectionRedialed(t *testing.T) {
	var dials atomic.Int64
	responses := okResponses()
	pool := newPool(func(ctx context.Context, network, addr string) (net.Conn, error) {
		n := dials.Add(1)
		client, server := net.Pipe()
		if n == 1 {
			// first server hangs up after one transaction
			go func() {
				r := okResponses()
				delete(r, "RSET")
				mockSMTPServerOnce(server, r)
			}()
		} else {
			go mockSMTPServer(server, "220 mock.smtp", responses)
		}
		return client, nil
	})
	defer func() { _ = pool.Close() }()

	_, _, err := pool.CheckRCPT(context.Background(), "mx.example.com", "a@example.com")
	require.NoError(t, err)

	code, _, err := pool.CheckRCPT(context.Background(), "mx.example.com", "b@example.com")
	require.NoError(t, err)
	assert.Equal(t, 250, code)
	assert.Equal(t, int64(2), dials.Load())
}

// mockSMTPServerOnce answers one RCPT and then drops the connection.
func mockSMTPServerOnce(server net.Conn, responses map[string]string) {
	defer func() { _ = server.Close() }()
	_, _ = fmt.Fprintf(server, "220 mock.smtp\r\n")
	buf := make([]byte, 4096)
	for {
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		cmd := string(buf[:n])
		for prefix, resp := range responses {
			if strings.HasPrefix(cmd, prefix) {
				_, _ = fmt.Fprintf(server, "%s\r\n", resp)
				break
			}
		}
		if strings.HasPrefix(cmd, "RCPT") {
			return
		}
	}
}

func TestPool_CloseAndReject(t *testing.T) {
	var dials atomic.Int64
	pool := newPool(pipeDial(&dials, "220 mock.smtp", okResponses()))
	_ = pool.Close()

	_, _, err := pool.CheckRCPT(context.Background(), "mx.example.com", "user@example.com")
	assert.ErrorIs(t, err, smtppool.ErrClosed)
	assert.Equal(t, int64(0), dials.Load())
}
