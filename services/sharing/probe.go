package sharing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"hotspotd/pkg/apperr"
)

// Prober samples the TTL of packets arriving from a client address.
type Prober interface {
	Probe(ctx context.Context, ip string) (int, error)
}

const (
	protocolICMP        = 1
	defaultProbeTimeout = 5 * time.Second
)

// ICMPProber sends one echo request and reads the TTL of the reply. Unprivileged mode uses
// datagram ICMP sockets (net.ipv4.ping_group_range must allow the process group).
type ICMPProber struct {
	privileged bool
	id         int
	seq        atomic.Uint32
}

func NewICMPProber(privileged bool) *ICMPProber {
	return &ICMPProber{privileged: privileged, id: os.Getpid() & 0xffff}
}

func (p *ICMPProber) Probe(ctx context.Context, ip string) (int, error) {
	dst := net.ParseIP(ip).To4()
	if dst == nil {
		return 0, fmt.Errorf("%w: invalid ipv4 address %q", apperr.ErrValidation, ip)
	}

	network := "udp4"
	var dstAddr net.Addr = &net.UDPAddr{IP: dst}
	if p.privileged {
		network = "ip4:icmp"
		dstAddr = &net.IPAddr{IP: dst}
	}

	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("listen icmp: %w", err)
	}
	defer conn.Close()

	pc := conn.IPv4PacketConn()
	if err := pc.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		return 0, fmt.Errorf("enable ttl control message: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultProbeTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: p.id, Seq: int(p.seq.Add(1) & 0xffff), Data: []byte("hotspotd")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}
	if _, err := conn.WriteTo(wb, dstAddr); err != nil {
		return 0, fmt.Errorf("send echo: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %s", apperr.ErrProbeTimeout, ip)
		}
		n, cm, peer, err := pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, fmt.Errorf("%w: %s", apperr.ErrProbeTimeout, ip)
			}
			return 0, fmt.Errorf("read echo reply: %w", err)
		}
		if !samePeer(peer, dst) {
			continue
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if cm == nil || cm.TTL == 0 {
			return 0, errors.New("echo reply carried no ttl")
		}
		return cm.TTL, nil
	}
}

func samePeer(addr net.Addr, ip net.IP) bool {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	case *net.IPAddr:
		return a.IP.Equal(ip)
	default:
		return false
	}
}
