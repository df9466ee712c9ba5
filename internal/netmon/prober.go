package netmon

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// SystemProber inspects local interfaces and dials a well-known address.
type SystemProber struct {
	Address string
	Timeout time.Duration

	interfaces func() ([]net.Interface, error)
	dial       func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewSystemProber(address string, timeout time.Duration) *SystemProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &SystemProber{
		Address:    address,
		Timeout:    timeout,
		interfaces: net.Interfaces,
		dial:       d.DialContext,
	}
}

func (p *SystemProber) Probe(ctx context.Context) (Status, error) {
	ifaces, err := p.interfaces()
	if err != nil {
		return Status{}, fmt.Errorf("list interfaces: %w", err)
	}

	kind := KindNone
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if k := classify(iface.Name); rank(k) > rank(kind) {
			kind = k
		}
	}
	if kind == KindNone {
		return Status{Connected: false, Kind: KindNone}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	conn, err := p.dial(dialCtx, "tcp", p.Address)
	if err != nil {
		return Status{Connected: false, Kind: kind}, nil
	}
	_ = conn.Close()
	return Status{Connected: true, Kind: kind}, nil
}

func classify(name string) Kind {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"):
		return KindWiFi
	case strings.HasPrefix(n, "en"), strings.HasPrefix(n, "eth"):
		return KindEthernet
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"),
		strings.HasPrefix(n, "pdp_ip"), strings.HasPrefix(n, "ccmni"):
		return KindCellular
	default:
		return KindNone
	}
}

// rank prefers wired over wireless over metered links.
func rank(k Kind) int {
	switch k {
	case KindEthernet:
		return 3
	case KindWiFi:
		return 2
	case KindCellular:
		return 1
	default:
		return 0
	}
}
