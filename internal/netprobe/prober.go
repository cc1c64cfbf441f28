// Package netprobe sends ARP who-has requests for an address or a whole
// subnet and collects the replies.
package netprobe

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
	"github.com/projectdiscovery/mapcidr"
	"golang.org/x/net/bpf"
	"golang.org/x/sync/errgroup"

	"github.com/soyunomas/arpwarden/internal/arpframe"
	"github.com/soyunomas/arpwarden/internal/config"
	"github.com/soyunomas/arpwarden/internal/detector"
)

const (
	// DefaultMaxTargets caps a sweep at a /20, matching
	// config.MinSubnetPrefix.
	DefaultMaxTargets = 1 << (32 - config.MinSubnetPrefix)

	readSlice = 100 * time.Millisecond
	snapLen   = 128
)

// ErrTooManyTargets is returned for a CIDR wider than the configured cap.
var ErrTooManyTargets = errors.New("probe target too large")

type probeConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Prober implements detector.ActiveProbe. Every probe opens its own
// AF_PACKET socket, so concurrent probes do not share a read loop.
type Prober struct {
	iface      string
	srcIP      net.IP
	srcMAC     net.HardwareAddr
	maxTargets int
	sendGap    time.Duration
	logger     logr.Logger
	open       func() (probeConn, error)
}

type Option func(*Prober)

func WithLogger(logger logr.Logger) Option {
	return func(p *Prober) { p.logger = logger }
}

// WithMaxTargets bounds how many addresses a single CIDR probe may expand to.
func WithMaxTargets(n int) Option {
	return func(p *Prober) { p.maxTargets = n }
}

// WithSendGap spaces out requests during a sweep.
func WithSendGap(d time.Duration) Option {
	return func(p *Prober) { p.sendGap = d }
}

// New returns a prober that sends from self on the named interface.
func New(iface string, self detector.Identity, opts ...Option) (*Prober, error) {
	srcIP := net.ParseIP(self.IP).To4()
	if srcIP == nil {
		return nil, fmt.Errorf("invalid source IPv4 '%s'", self.IP)
	}
	srcMAC, err := net.ParseMAC(self.MAC)
	if err != nil {
		return nil, fmt.Errorf("invalid source MAC '%s': %w", self.MAC, err)
	}

	p := &Prober{
		iface:      iface,
		srcIP:      srcIP,
		srcMAC:     srcMAC,
		maxTargets: DefaultMaxTargets,
		logger:     stdr.New(log.Default()),
	}
	p.open = p.listenRaw

	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithName("netprobe")
	return p, nil
}

// Probe asks every address in target (an IP or a CIDR) for its MAC and
// returns the distinct (ip, mac) replies seen before timeout. Running out
// of time is the normal end of a probe, not an error.
func (p *Prober) Probe(ctx context.Context, target string, timeout time.Duration) ([]detector.Host, error) {
	targets, err := expandTargets(target, p.maxTargets)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}

	wanted := make(map[string]struct{}, len(targets))
	for _, ip := range targets {
		wanted[ip.String()] = struct{}{}
	}

	conn, err := p.open()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := newReplySet()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.receive(gctx, conn, wanted, replies)
	})
	g.Go(func() error {
		return p.send(gctx, conn, targets)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	hosts := replies.hosts()
	p.logger.V(2).Info("probe complete", "target", target, "asked", len(targets), "answered", len(hosts))
	return hosts, nil
}

func (p *Prober) send(ctx context.Context, conn probeConn, targets []net.IP) error {
	dst := &packet.Addr{HardwareAddr: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}

	for _, ip := range targets {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := arpframe.Request(p.srcMAC, p.srcIP, ip)
		if err != nil {
			return err
		}
		if _, err := conn.WriteTo(frame, dst); err != nil {
			return fmt.Errorf("sending who-has %s: %w", ip, err)
		}

		if p.sendGap > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.sendGap):
			}
		}
	}
	return nil
}

func (p *Prober) receive(ctx context.Context, conn probeConn, wanted map[string]struct{}, replies *replySet) error {
	buf := make([]byte, snapLen)
	dec := arpframe.NewDecoder()

	for {
		if ctx.Err() != nil {
			return nil
		}

		deadline := time.Now().Add(readSlice)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}

		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading reply: %w", err)
		}

		sender, ok := dec.Decode(buf[:n])
		if !ok || sender.Op != arpframe.OpReply {
			continue
		}
		if _, ok := wanted[sender.IP]; !ok {
			continue
		}
		replies.add(sender.IP, sender.MAC)
	}
}

func (p *Prober) listenRaw() (probeConn, error) {
	ifi, err := net.InterfaceByName(p.iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s not found: %w", p.iface, err)
	}

	filter, err := bpf.Assemble(arpframe.Filter(snapLen, arpframe.OpReply))
	if err != nil {
		return nil, fmt.Errorf("BPF assembly failed: %w", err)
	}

	conn, err := packet.Listen(ifi, packet.Raw, arpframe.EtherType, &packet.Config{Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("failed to open raw socket: %w", err)
	}
	return conn, nil
}

// expandTargets turns an IP or CIDR into the list of addresses to ask.
// Network and broadcast addresses of subnets wider than /31 are skipped.
func expandTargets(target string, limit int) ([]net.IP, error) {
	if ip := net.ParseIP(target); ip != nil {
		if ip.To4() == nil {
			return nil, fmt.Errorf("ARP needs an IPv4 target, got %s", target)
		}
		return []net.IP{ip.To4()}, nil
	}

	_, network, err := net.ParseCIDR(target)
	if err != nil {
		return nil, fmt.Errorf("invalid probe target '%s': %w", target, err)
	}
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("ARP needs an IPv4 target, got %s", target)
	}
	if limit > 0 && bits-ones < 31 && 1<<(bits-ones) > limit+2 {
		return nil, fmt.Errorf("%w: %s", ErrTooManyTargets, target)
	}

	addrs, err := mapcidr.IPAddresses(network.String())
	if err != nil {
		return nil, fmt.Errorf("failed to expand CIDR %s: %w", target, err)
	}

	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a).To4()
		if ip == nil {
			continue
		}
		if ones < 31 && isNetworkOrBroadcast(ip, network) {
			continue
		}
		out = append(out, ip)
	}
	return out, nil
}

func isNetworkOrBroadcast(ip net.IP, network *net.IPNet) bool {
	base := network.IP.To4()
	if ip.Equal(base) {
		return true
	}

	broadcast := make(net.IP, len(base))
	copy(broadcast, base)
	for i := range broadcast {
		broadcast[i] |= ^network.Mask[i]
	}
	return ip.Equal(broadcast)
}

// replySet keeps distinct (ip, mac) replies in arrival order.
type replySet struct {
	mu    sync.Mutex
	seen  map[detector.Host]struct{}
	order []detector.Host
}

func newReplySet() *replySet {
	return &replySet{seen: make(map[detector.Host]struct{})}
}

func (r *replySet) add(ip, mac string) {
	h := detector.Host{IP: ip, MAC: mac}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[h]; dup {
		return
	}
	r.seen[h] = struct{}{}
	r.order = append(r.order, h)
}

func (r *replySet) hosts() []detector.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]detector.Host, len(r.order))
	copy(out, r.order)
	return out
}
