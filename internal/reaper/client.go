package reaper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bnema/gantry/internal/logging"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	ackMessage            = "ACK"
)

// ClientConfig configures the watchdog client.
type ClientConfig struct {
	// Address of a running watchdog. When empty the companion is started.
	Address        string
	Companion      *Companion
	ConnectTimeout time.Duration
	// ReconnectRate throttles re-dials after the connection broke.
	ReconnectRate rate.Limit
}

// Client registers the session with the watchdog and holds the connection
// for the lifetime of the process.
type Client struct {
	session Session
	cfg     ClientConfig
	limiter *rate.Limiter

	mu     sync.Mutex
	conn   net.Conn
	addr   string
	cancel context.CancelFunc
	closed bool
}

// NewClient creates a client for session. Nothing is dialed before Connect.
func NewClient(session Session, cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectRate <= 0 {
		cfg.ReconnectRate = 4
	}
	return &Client{
		session: session,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.ReconnectRate, 1),
	}
}

// Session returns the session the client registers.
func (c *Client) Session() Session { return c.session }

// Address returns the watchdog address once connected.
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Connect establishes the watchdog connection. Later calls are no-ops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("reaper client closed")
	}
	if c.conn != nil {
		return nil
	}

	ctx = logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:     "reaper",
		logging.FieldComponent: "client",
		logging.FieldSession:   c.session.ID(),
	})
	log := logging.FromCtx(ctx)

	addr := c.cfg.Address
	if addr == "" {
		if c.cfg.Companion == nil {
			return errors.New("no watchdog address and no companion configured")
		}
		var err error
		addr, err = c.cfg.Companion.Start(ctx)
		if err != nil {
			return fmt.Errorf("start reaper companion: %w", err)
		}
	}

	conn, reader, err := c.register(ctx, addr)
	if err != nil {
		return err
	}
	c.conn, c.addr = conn, addr
	log.Info().Str("address", addr).Msg("session registered with watchdog")

	holdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.hold(holdCtx, conn, reader, *log)
	return nil
}

// register dials the watchdog, sends the session filter and waits for ACK.
func (c *Client) register(ctx context.Context, addr string) (net.Conn, *bufio.Reader, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial watchdog %s: %w", addr, err)
	}

	if err := conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout)); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", c.session.Filter().Encode()); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("send filter: %w", err)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if strings.EqualFold(strings.TrimSpace(line), ackMessage) {
			break
		}
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("wait for watchdog acknowledgment: %w", err)
		}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, reader, nil
}

// hold keeps the connection open and re-registers when it breaks.
func (c *Client) hold(ctx context.Context, conn net.Conn, reader *bufio.Reader, log zerolog.Logger) {
	for {
		// the watchdog never writes after ACK, a read only returns on breakage
		_, err := reader.ReadString('\n')
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("watchdog connection lost, reconnecting")
		_ = conn.Close()

		for {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			newConn, newReader, err := c.register(ctx, c.Address())
			if err != nil {
				log.Warn().Err(err).Msg("watchdog reconnection failed")
				continue
			}

			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = newConn.Close()
				return
			}
			c.conn = newConn
			c.mu.Unlock()

			conn, reader = newConn, newReader
			log.Info().Msg("watchdog connection restored")
			break
		}
	}
}

// Close releases the connection. The watchdog then sweeps the session after
// its reconnection timeout unless another client registered the same filter.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
