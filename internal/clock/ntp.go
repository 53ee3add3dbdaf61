package clock

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
)

const (
	DefaultNTPServer  = "pool.ntp.org"
	DefaultNTPRefresh = 10 * time.Minute
	ntpQueryTimeout   = 3 * time.Second
)

// NTP is the system clock corrected by the offset measured against an NTP
// server. The offset is refreshed in the background.
type NTP struct {
	server string
	offset atomic.Int64 // nanoseconds

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewNTP queries server once (failure is fatal) and then refreshes the
// offset every refresh interval.
func NewNTP(server string, refresh time.Duration) (*NTP, error) {
	n := &NTP{server: server, stopCh: make(chan struct{})}
	if err := n.sync(); err != nil {
		return nil, err
	}

	if refresh > 0 {
		n.wg.Add(1)
		go n.refreshLoop(refresh)
	}
	return n, nil
}

func (n *NTP) sync() error {
	resp, err := ntp.QueryWithOptions(n.server, ntp.QueryOptions{Timeout: ntpQueryTimeout})
	if err != nil {
		return fmt.Errorf("ntp query %s: %w", n.server, err)
	}
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("ntp response from %s: %w", n.server, err)
	}
	n.offset.Store(int64(resp.ClockOffset))
	return nil
}

func (n *NTP) refreshLoop(every time.Duration) {
	defer n.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if err := n.sync(); err != nil {
				slog.Warn("ntp offset refresh failed, keeping previous offset",
					"server", n.server, "error", err)
			}
		}
	}
}

// Offset returns the last measured correction.
func (n *NTP) Offset() time.Duration { return time.Duration(n.offset.Load()) }

func (n *NTP) Name() string { return SourceNTP }
func (n *NTP) Now() int64   { return time.Now().UnixNano() + n.offset.Load() }

func (n *NTP) Stamp(time.Time) (int64, bool) { return n.Now(), false }

func (n *NTP) WallTime(ns int64) time.Time { return time.Unix(0, ns) }

func (n *NTP) Close() error {
	n.once.Do(func() { close(n.stopCh) })
	n.wg.Wait()
	return nil
}
