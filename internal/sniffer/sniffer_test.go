package sniffer

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyunomas/arpwarden/internal/arpframe"
	"github.com/soyunomas/arpwarden/internal/config"
	"github.com/soyunomas/arpwarden/internal/detector"
)

func replyFrame(t *testing.T, srcMAC, srcIP string) []byte {
	mac, err := net.ParseMAC(srcMAC)
	require.NoError(t, err)
	frame, err := arpframe.Encode(arpframe.OpReply, mac, net.ParseIP(srcIP), nil, net.ParseIP("10.0.0.5"))
	require.NoError(t, err)
	return frame
}

func ipv4Frame(t *testing.T) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x3c, 0x22, 0xfb, 0x12, 0x34, 0x56},
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 5),
		DstIP:    net.IPv4(10, 0, 0, 255),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, ip))
	return buf.Bytes()
}

// fakeConn serves queued frames and honours read deadlines.
type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	wait := time.Until(c.deadline)
	c.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		return copy(b, f), nil, nil
	case <-timer.C:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func newTestSniffer(conns ...*fakeConn) *Sniffer {
	cfg := &config.NetworkConfig{Interface: "test0", PollInterval: "10ms"}
	s := New(cfg, WithLogger(logr.Discard()))

	var mu sync.Mutex
	next := 0
	s.listen = func() (frameConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(conns) {
			return nil, errors.New("no more sockets")
		}
		c := conns[next]
		next++
		return c, nil
	}
	return s
}

type observed struct {
	mu    sync.Mutex
	pairs [][2]string
}

func (o *observed) record(ip, mac string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pairs = append(o.pairs, [2]string{ip, mac})
}

func (o *observed) snapshot() [][2]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][2]string(nil), o.pairs...)
}

func TestSniffer_DeliversSenders(t *testing.T) {
	conn := newFakeConn()
	s := newTestSniffer(conn)
	var obs observed
	s.Subscribe(obs.record)

	require.NoError(t, s.Start())
	conn.frames <- ipv4Frame(t)
	conn.frames <- replyFrame(t, "3c:22:fb:aa:bb:cc", "10.0.0.9")

	assert.Eventually(t, func() bool { return len(obs.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][2]string{{"10.0.0.9", "3c:22:fb:aa:bb:cc"}}, obs.snapshot())

	require.NoError(t, s.Stop(t.Context()))
	assert.True(t, conn.isClosed())
}

func TestSniffer_RestartsWithFreshSocket(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	s := newTestSniffer(first, second)
	var obs observed
	s.Subscribe(obs.record)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")
	require.NoError(t, s.Stop(t.Context()))
	require.NoError(t, s.Stop(t.Context()), "second stop is a no-op")
	assert.True(t, first.isClosed())

	require.NoError(t, s.Start())
	second.frames <- replyFrame(t, "3c:22:fb:12:34:56", "10.0.0.5")
	assert.Eventually(t, func() bool { return len(obs.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(t.Context()))
}

func TestSniffer_StartFailure(t *testing.T) {
	s := newTestSniffer()
	require.Error(t, s.Start())
	assert.NoError(t, s.Stop(t.Context()))
}

func TestSniffer_StopTimeoutAbandonsLoop(t *testing.T) {
	conn := newFakeConn()
	s := newTestSniffer(conn)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s.Subscribe(func(ip, mac string) {
		entered <- struct{}{}
		<-release
	})

	require.NoError(t, s.Start())
	conn.frames <- replyFrame(t, "3c:22:fb:aa:bb:cc", "10.0.0.9")
	<-entered

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	require.ErrorIs(t, err, detector.ErrStopTimeout)

	close(release)
	assert.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
}
