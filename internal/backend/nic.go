package backend

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
)

type linkInfo struct {
	Index  int
	MTU    int
	Up     bool
	Driver string
}

// lookupLink describes a kernel network interface.
func lookupLink(name string) (linkInfo, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return linkInfo{}, fmt.Errorf("interface %s: %w", name, err)
	}

	attrs := l.Attrs()
	info := linkInfo{
		Index: attrs.Index,
		MTU:   attrs.MTU,
		Up:    attrs.Flags&net.FlagUp != 0,
	}

	// Driver name is best effort; veth, bonds and containers may not answer.
	if et, err := ethtool.NewEthtool(); err == nil {
		defer et.Close()
		if drv, err := et.DriverName(name); err == nil {
			info.Driver = drv
		}
	}

	if !info.Up {
		slog.Warn("capture interface is down", "interface", name)
	}
	return info, nil
}
