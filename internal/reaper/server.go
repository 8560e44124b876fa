package reaper

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/pkg/engine"
)

const (
	DefaultListenAddress       = ":8080"
	DefaultConnectionTimeout   = 60 * time.Second
	DefaultReconnectionTimeout = 10 * time.Second
)

// ServerConfig configures the watchdog.
type ServerConfig struct {
	ListenAddress string
	// ConnectionTimeout is how long to wait for the first client.
	ConnectionTimeout time.Duration
	// ReconnectionTimeout is how long to wait for a client after the last
	// connection dropped.
	ReconnectionTimeout time.Duration
}

// Server is the watchdog. Clients register label filters over a held TCP
// connection; once no client is left for long enough, everything matching the
// filters is swept.
type Server struct {
	engine engine.Engine
	cfg    ServerConfig

	mu       sync.Mutex
	listener net.Listener
	filters  map[string]Filter
	order    []string

	events chan int
	done   chan struct{}
}

// NewServer creates a watchdog sweeping through eng.
func NewServer(eng engine.Engine, cfg ServerConfig) *Server {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.ReconnectionTimeout <= 0 {
		cfg.ReconnectionTimeout = DefaultReconnectionTimeout
	}
	return &Server{
		engine:  eng,
		cfg:     cfg,
		filters: make(map[string]Filter),
		events:  make(chan int, 64),
		done:    make(chan struct{}),
	}
}

// Listen binds the listen address. Serve calls it when needed.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Filters returns the registered filters in registration order.
func (s *Server) Filters() []Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Filter, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.filters[key])
	}
	return out
}

// Serve accepts clients until no client has been connected for the relevant
// timeout or ctx ends, then sweeps every registered filter.
func (s *Server) Serve(ctx context.Context) (SweepReport, error) {
	if _, err := s.Listen(); err != nil {
		return SweepReport{}, err
	}
	ctx = logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:     "reaper",
		logging.FieldComponent: "server",
	})
	log := logging.FromCtx(ctx)
	log.Info().Str("address", s.listener.Addr().String()).Msg("watchdog listening")

	go s.acceptLoop(ctx)

	timer := time.NewTimer(s.cfg.ConnectionTimeout)
	defer timer.Stop()

	active := 0
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("watchdog interrupted")
			break loop
		case delta := <-s.events:
			active += delta
			if active > 0 {
				timer.Stop()
				continue
			}
			log.Info().Dur("timeout", s.cfg.ReconnectionTimeout).Msg("all clients disconnected, waiting for reconnection")
			timer.Reset(s.cfg.ReconnectionTimeout)
		case <-timer.C:
			if active == 0 {
				log.Info().Msg("no client left, sweeping")
				break loop
			}
		}
	}

	close(s.done)
	_ = s.listener.Close()

	report := Sweep(context.WithoutCancel(ctx), s.engine, s.Filters())
	return report, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	log := logging.FromCtx(ctx)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		if !s.notify(1) {
			_ = conn.Close()
			return
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) notify(delta int) bool {
	select {
	case s.events <- delta:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	log := logging.FromCtx(ctx).With().Str("client", conn.RemoteAddr().String()).Logger()
	defer func() {
		_ = conn.Close()
		s.notify(-1)
		log.Debug().Msg("client disconnected")
	}()
	log.Debug().Msg("client connected")

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			f, perr := ParseFilter(line)
			if perr != nil {
				log.Warn().Err(perr).Msg("rejected filter")
			} else {
				s.register(f)
				log.Info().Str("filter", f.Encode()).Msg("filter registered")
				if _, werr := conn.Write([]byte("ACK\n")); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) register(f Filter) {
	key := f.Encode()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filters[key]; !ok {
		s.order = append(s.order, key)
	}
	s.filters[key] = f
}
