// Package sconn implements the encrypted datagram endpoint
// underneath the state-synchronization transport.
//
// A Connection is an unreliable, roaming-aware UDP endpoint.
// It carries opaque payloads for the transport layer,
// timestamps every packet to measure round-trip time,
// and silently discards anything that fails authentication.
package sconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"time"

	"github.com/stm-shell/stm/sclock"
	"github.com/stm-shell/stm/scrypto"
)

// MTU is the largest datagram the connection will send.
// Conservative enough to avoid IP fragmentation on almost any path.
const MTU = 500

// PayloadSize is the largest payload callers may pass to [*Connection.Send]:
// the MTU minus sealing overhead and the packet header.
const PayloadSize = MTU - scrypto.Overhead - headerSize

// headerSize covers direction(1) + timestamp(2) + timestamp_reply(2).
const headerSize = 5

const (
	minRTO = 50
	maxRTO = 1000

	// Inbound timestamps older than this are not used as RTT samples;
	// they are indistinguishable from 16-bit wraparound.
	maxRTTSample = 5000
)

// ErrNoPacket is returned by [*Connection.Recv]
// when no authenticated datagram is waiting.
var ErrNoPacket = errors.New("no packet available")

// ErrNoPeer is returned by [*Connection.Send] on a server
// that has not yet heard from its client,
// so there is no address to send to.
var ErrNoPeer = errors.New("no peer address known")

// Config configures a Connection.
type Config struct {
	// Log for connection events. A nil Log discards everything.
	Log *slog.Logger

	// Clock for timestamps and RTT measurement.
	// Nil means the process monotonic clock.
	Clock sclock.Clock
}

// Connection is one end of an encrypted datagram session.
//
// Methods on Connection are not safe for concurrent use.
type Connection struct {
	log   *slog.Logger
	clock sclock.Clock

	sock    *net.UDPConn
	fd      int
	session *scrypto.Session

	server     bool
	remoteAddr netip.AddrPort
	hasRemote  bool

	// Latest inbound 16-bit timestamp, held until echoed once.
	savedTimestamp   int32
	savedTimestampAt uint64

	lastHeard uint64

	rttHit bool
	srtt   float64
	rttvar float64
}

// NewServer binds a UDP socket on ip (which may be empty for all
// interfaces) and port (0 for any), generating a fresh session key.
func NewServer(ip string, port int, cfg Config) (*Connection, error) {
	key, err := scrypto.NewKey(nil)
	if err != nil {
		return nil, err
	}

	laddr := &net.UDPAddr{Port: port}
	if ip != "" {
		laddr.IP = net.ParseIP(ip)
		if laddr.IP == nil {
			return nil, fmt.Errorf("invalid listen IP %q", ip)
		}
	}

	sock, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("binding server socket: %w", err)
	}

	return newConnection(sock, key, true, cfg)
}

// NewClient creates the client end of a session,
// aimed at the server's ip:port with the server's key.
func NewClient(key scrypto.Key, ip string, port int, cfg Config) (*Connection, error) {
	raddr := net.ParseIP(ip)
	if raddr == nil {
		return nil, fmt.Errorf("invalid server IP %q", ip)
	}

	sock, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("binding client socket: %w", err)
	}

	c, err := newConnection(sock, key, false, cfg)
	if err != nil {
		return nil, err
	}

	addr, ok := netip.AddrFromSlice(raddr)
	if !ok {
		sock.Close()
		return nil, fmt.Errorf("invalid server IP %q", ip)
	}
	c.remoteAddr = netip.AddrPortFrom(addr.Unmap(), uint16(port))
	c.hasRemote = true

	return c, nil
}

func newConnection(sock *net.UDPConn, key scrypto.Key, server bool, cfg Config) (*Connection, error) {
	session, err := scrypto.NewSession(key)
	if err != nil {
		sock.Close()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	fd := -1
	if rc, err := sock.SyscallConn(); err == nil {
		_ = rc.Control(func(sysfd uintptr) {
			fd = int(sysfd)
		})
	}

	return &Connection{
		log:   log,
		clock: sclock.OrMonotonic(cfg.Clock),

		sock:    sock,
		fd:      fd,
		session: session,

		server: server,

		savedTimestamp: -1,
	}, nil
}

// Close releases the socket.
func (c *Connection) Close() error {
	return c.sock.Close()
}

func (c *Connection) sendDirection() scrypto.Direction {
	if c.server {
		return scrypto.ToClient
	}
	return scrypto.ToServer
}

func (c *Connection) recvDirection() scrypto.Direction {
	if c.server {
		return scrypto.ToServer
	}
	return scrypto.ToClient
}

func (c *Connection) timestamp16() uint16 {
	return uint16(c.clock.Now() & 0xffff)
}

// Send seals payload and ships it to the current peer address.
// Loss is not reported; only local socket errors surface.
func (c *Connection) Send(payload []byte) error {
	if !c.hasRemote {
		return ErrNoPeer
	}
	if len(payload) > PayloadSize {
		panic(fmt.Errorf("BUG: payload of %d bytes exceeds connection payload size %d",
			len(payload), PayloadSize))
	}

	now := c.clock.Now()

	reply := uint16(math.MaxUint16)
	if c.savedTimestamp >= 0 {
		// Echo the peer's timestamp, aged by our hold time.
		reply = uint16(c.savedTimestamp) + uint16(now-c.savedTimestampAt)
		c.savedTimestamp = -1
	}

	pt := make([]byte, headerSize+len(payload))
	pt[0] = byte(c.sendDirection())
	binary.BigEndian.PutUint16(pt[1:3], c.timestamp16())
	binary.BigEndian.PutUint16(pt[3:5], reply)
	copy(pt[headerSize:], payload)

	dgram, err := c.session.Seal(c.sendDirection(), pt)
	if err != nil {
		return err
	}

	_, err = c.sock.WriteToUDPAddrPort(dgram, c.remoteAddr)
	if err != nil {
		return fmt.Errorf("sending datagram: %w", err)
	}
	return nil
}

// Recv returns the next authenticated payload,
// or [ErrNoPacket] once the socket is drained.
// Datagrams that fail authentication or direction checks
// are dropped without comment, per the protocol's silence policy.
func (c *Connection) Recv() ([]byte, error) {
	buf := make([]byte, MTU+256)
	for {
		// Poll; the host event loop owns waiting. A deadline already
		// in the past fails the read before the socket is checked,
		// so it sits just ahead: an empty socket costs at most 1 ms.
		if err := c.sock.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return nil, fmt.Errorf("arming read deadline: %w", err)
		}

		n, from, err := c.sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, ErrNoPacket
			}
			return nil, fmt.Errorf("reading datagram: %w", err)
		}

		pt, err := c.session.Open(c.recvDirection(), buf[:n])
		if err != nil {
			// Corrupt, replayed, or hostile. Drop silently.
			continue
		}
		if len(pt) < headerSize || scrypto.Direction(pt[0]) != c.recvDirection() {
			continue
		}

		now := c.clock.Now()
		c.lastHeard = now

		ts := binary.BigEndian.Uint16(pt[1:3])
		reply := binary.BigEndian.Uint16(pt[3:5])

		c.savedTimestamp = int32(ts)
		c.savedTimestampAt = now

		if reply != math.MaxUint16 {
			if r := c.timestamp16() - reply; r < maxRTTSample {
				c.observeRTT(float64(r))
			}
		}

		if c.server {
			from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
			if !c.hasRemote || from != c.remoteAddr {
				c.remoteAddr = from
				c.hasRemote = true
				c.log.Info("Peer address changed", "addr", from.String())
			}
		}

		payload := make([]byte, len(pt)-headerSize)
		copy(payload, pt[headerSize:])
		return payload, nil
	}
}

func (c *Connection) observeRTT(r float64) {
	if !c.rttHit {
		c.srtt = r
		c.rttvar = r / 2
		c.rttHit = true
		return
	}

	const (
		alpha = 1.0 / 8.0
		beta  = 1.0 / 4.0
	)
	c.rttvar = (1-beta)*c.rttvar + beta*math.Abs(c.srtt-r)
	c.srtt = (1-alpha)*c.srtt + alpha*r
}

// SRTT returns the smoothed round-trip time estimate in milliseconds.
func (c *Connection) SRTT() float64 {
	return c.srtt
}

// RTO returns the retransmission timeout in milliseconds,
// clamped to [50, 1000].
func (c *Connection) RTO() uint64 {
	rto := uint64(math.Ceil(c.srtt + 4*c.rttvar))
	if rto < minRTO {
		rto = minRTO
	} else if rto > maxRTO {
		rto = maxRTO
	}
	return rto
}

// PayloadSize returns the largest payload Send accepts.
func (c *Connection) PayloadSize() int {
	return PayloadSize
}

// HasRemoteAddr reports whether the connection knows where
// its peer currently is. Servers start detached.
func (c *Connection) HasRemoteAddr() bool {
	return c.hasRemote
}

// LastHeard returns the clock reading when the last
// authenticated packet arrived, or zero if none has.
func (c *Connection) LastHeard() uint64 {
	return c.lastHeard
}

// Port returns the local UDP port.
func (c *Connection) Port() int {
	return c.sock.LocalAddr().(*net.UDPAddr).Port
}

// Fd returns the socket's file descriptor for the host poll loop,
// or -1 if it could not be determined.
func (c *Connection) Fd() int {
	return c.fd
}

// Key returns the session key in use.
func (c *Connection) Key() scrypto.Key {
	return c.session.Key()
}
