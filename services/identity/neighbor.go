package identity

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"hotspotd/pkg/apperr"
)

// DefaultARPTable is the kernel's IPv4 neighbour cache on Linux.
const DefaultARPTable = "/proc/net/arp"

// arpFlagComplete marks a resolved entry (ATF_COM).
const arpFlagComplete = 0x2

// NeighborTable resolves hotspot clients to their hardware address through the ARP cache.
// Every client reaching the portal has just talked to the gateway, so its entry is present.
type NeighborTable struct {
	// Path defaults to DefaultARPTable.
	Path string
	// Interface limits lookups to one device when set.
	Interface string
}

// ResolveMAC returns the normalised MAC of ip, or ErrNotFound when the cache has no
// complete entry for it.
func (t NeighborTable) ResolveMAC(ctx context.Context, ip string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil || addr.To4() == nil {
		return "", fmt.Errorf("%w: not an ipv4 address %q", apperr.ErrValidation, ip)
	}

	path := t.Path
	if path == "" {
		path = DefaultARPTable
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open arp table: %w", err)
	}
	defer f.Close()

	// IP address  HW type  Flags  HW address  Mask  Device
	scanner := bufio.NewScanner(f)
	scanner.Scan()
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 || !addr.Equal(net.ParseIP(fields[0])) {
			continue
		}
		if t.Interface != "" && fields[5] != t.Interface {
			continue
		}
		flags, err := strconv.ParseInt(fields[2], 0, 32)
		if err != nil || flags&arpFlagComplete == 0 {
			continue
		}
		mac, err := NormalizeMAC(fields[3])
		if err != nil || mac == "00:00:00:00:00:00" {
			continue
		}
		return mac, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read arp table: %w", err)
	}
	return "", fmt.Errorf("%w: no neighbour entry for %s", apperr.ErrNotFound, ip)
}
