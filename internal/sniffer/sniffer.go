package sniffer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"

	"github.com/soyunomas/arpwarden/internal/arpframe"
	"github.com/soyunomas/arpwarden/internal/config"
	"github.com/soyunomas/arpwarden/internal/detector"
	"github.com/soyunomas/arpwarden/internal/telemetry"
)

// frameConn is the part of *packet.Conn the read loop uses.
type frameConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type statsConn interface {
	Stats() (*packet.Stats, error)
}

// Sniffer captures ARP frames on one interface and hands each sender
// (ip, mac) to the subscribed function. It implements detector.PacketSource
// and can be started and stopped any number of times.
type Sniffer struct {
	iface   string
	snapLen int
	poll    time.Duration
	logger  logr.Logger
	listen  func() (frameConn, error)

	mu   sync.Mutex
	fn   detector.ObservationFunc
	stop chan struct{}
	done chan struct{}
}

type Option func(*Sniffer)

func WithLogger(logger logr.Logger) Option {
	return func(s *Sniffer) { s.logger = logger }
}

func New(cfg *config.NetworkConfig, opts ...Option) *Sniffer {
	snapLen := cfg.SnapLen
	if snapLen <= 0 {
		snapLen = config.DefaultSnapLen
	}

	s := &Sniffer{
		iface:   cfg.Interface,
		snapLen: snapLen,
		poll:    cfg.PollDuration(),
		logger:  stdr.New(log.Default()),
	}
	s.listen = s.listenRaw

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("sniffer")
	return s
}

func (s *Sniffer) Subscribe(fn detector.ObservationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

// Start opens the capture socket and launches the read loop. Starting a
// running sniffer is a no-op.
func (s *Sniffer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return nil
	}

	conn, err := s.listen()
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done

	go s.monitorDrops(conn, stop)
	go s.readLoop(conn, s.fn, stop, done)

	s.logger.Info("capture started", "interface", s.iface)
	return nil
}

// Stop signals the read loop and waits for it to exit. When ctx expires
// first the loop is abandoned and the error wraps detector.ErrStopTimeout;
// it still exits on its own at the next poll.
func (s *Sniffer) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		s.logger.Info("capture stopped", "interface", s.iface)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", detector.ErrStopTimeout, ctx.Err())
	}
}

// listenRaw opens an AF_PACKET socket bound to the ARP ethertype with the
// kernel filter attached before bind.
func (s *Sniffer) listenRaw() (frameConn, error) {
	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s not found: %w", s.iface, err)
	}

	filter, err := bpf.Assemble(arpframe.Filter(s.snapLen, 0))
	if err != nil {
		return nil, fmt.Errorf("BPF assembly failed: %w", err)
	}

	conn, err := packet.Listen(ifi, packet.Raw, arpframe.EtherType, &packet.Config{Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("failed to open raw socket: %w", err)
	}

	// Replies between two other hosts are unicast; without promiscuous
	// mode a spoofed reply aimed at a victim is invisible.
	if err := conn.SetPromiscuous(true); err != nil {
		s.logger.Error(err, "failed to set promiscuous mode", "interface", s.iface)
	}

	return conn, nil
}

// monitorDrops polls kernel socket statistics off the hot path.
func (s *Sniffer) monitorDrops(conn frameConn, stop <-chan struct{}) {
	sc, ok := conn.(statsConn)
	if !ok {
		return
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Stats resets the kernel counters on every call.
			stats, err := sc.Stats()
			if err != nil || stats.Drops == 0 {
				continue
			}
			telemetry.SocketDrops.Add(float64(stats.Drops))
			if stats.Drops > 100 {
				s.logger.Info("kernel drops detected, capture buffer full", "dropped", stats.Drops)
			}
		}
	}
}

func (s *Sniffer) readLoop(conn frameConn, fn detector.ObservationFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	buf := make([]byte, s.snapLen)
	dec := arpframe.NewDecoder()

	for {
		select {
		case <-stop:
			return
		default:
		}

		// The deadline bounds how long a stop request waits for the loop.
		if err := conn.SetReadDeadline(time.Now().Add(s.poll)); err != nil {
			s.logger.Error(err, "failed to set read deadline")
			return
		}

		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error(err, "error reading frame")
			continue
		}

		start := time.Now()
		telemetry.TrackFrame(buf[:n])

		if sender, ok := dec.Decode(buf[:n]); ok && fn != nil {
			fn(sender.IP, sender.MAC)
		}

		telemetry.ProcessingTime.Observe(float64(time.Since(start).Nanoseconds()))
	}
}
