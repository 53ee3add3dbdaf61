package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowcap/internal/backend"
	"firestige.xyz/flowcap/internal/clock"
	"firestige.xyz/flowcap/internal/core"
	"firestige.xyz/flowcap/internal/export"
)

// scriptedHandle delivers queued frames, or fails while failing is set.
type scriptedHandle struct {
	mu      sync.Mutex
	frames  [][]byte
	kernel  bool
	failing atomic.Bool
	closed  atomic.Int32
}

func (h *scriptedHandle) push(frames ...[]byte) {
	h.mu.Lock()
	h.frames = append(h.frames, frames...)
	h.mu.Unlock()
}

func (h *scriptedHandle) RecvInto(ctx context.Context, w backend.Writer) (int, error) {
	if h.failing.Load() {
		return 0, errors.New("link down")
	}
	h.mu.Lock()
	batch := h.frames
	h.frames = nil
	h.mu.Unlock()

	if len(batch) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Millisecond):
		}
		return 0, nil
	}
	for _, f := range batch {
		w.Write(f, gopacket.CaptureInfo{CaptureLength: len(f), Length: len(f)})
	}
	return len(batch), nil
}

func (h *scriptedHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (h *scriptedHandle) KernelFilter() bool        { return h.kernel }
func (h *scriptedHandle) Stats() backend.HandleStats {
	return backend.HandleStats{KernelDrops: 7}
}
func (h *scriptedHandle) Close() error { h.closed.Add(1); return nil }

type scriptedBackend struct {
	name   string
	handle *scriptedHandle
}

func (b *scriptedBackend) Name() string               { return b.name }
func (b *scriptedBackend) Probe(backend.Config) error { return nil }
func (b *scriptedBackend) Open(backend.Config) (backend.Handle, error) {
	return b.handle, nil
}

func newScripted(t *testing.T, cfg Config, opts ...Option) (*Session, *scriptedHandle) {
	t.Helper()
	h := &scriptedHandle{kernel: true}
	if cfg.Interface == "" {
		cfg.Interface = "eth0"
	}
	reg := backend.NewRegistry(&scriptedBackend{name: backend.NameAFPacket, handle: h})
	s, err := New(cfg, append([]Option{WithRegistry(reg)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, h
}

func tcpFrame(t *testing.T, src, dst string, sport, dport uint16, syn, rst bool, payload int) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), SYN: syn, RST: rst, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(make([]byte, payload))))
	return buf.Bytes()
}

func udpFrame(t *testing.T, sport, dport uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte("dns?"))))
	return buf.Bytes()
}

func tuple(src, dst string, sport, dport uint16) core.FlowTuple {
	return core.FlowTuple{
		SrcIP:    netip.MustParseAddr(src),
		DstIP:    netip.MustParseAddr(dst),
		SrcPort:  sport,
		DstPort:  dport,
		Protocol: core.ProtoTCP,
	}
}

func writePcap(t *testing.T, frames [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syn.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Unix(1700000000, 0)
	for i, fr := range frames {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Microsecond),
			CaptureLength: len(fr),
			Length:        len(fr),
		}, fr))
	}
	return path
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{Interface: "eth0"}, false},
		{"no interface", Config{}, true},
		{"unknown backend", Config{Interface: "eth0", Backend: "netmap"}, true},
		{"file replay on afpacket", Config{Interface: "file:/tmp/x.pcap", Backend: backend.NameAFPacket}, true},
		{"buffer too small", Config{Interface: "eth0", BufferSizeBytes: 1 << 20}, true},
		{"buffer too large", Config{Interface: "eth0", BufferSizeBytes: 4 << 30}, true},
		{"snap too small", Config{Interface: "eth0", SnapLen: 32}, true},
		{"snap too large", Config{Interface: "eth0", SnapLen: 70000}, true},
		{"driver image without signature", Config{
			Interface:    "eth0",
			DriverImages: map[string]DriverImage{"dpdk": {Image: "/lib/pmd.so"}},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrConfigInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, backend.Auto, tt.cfg.Backend)
			assert.Equal(t, DefaultBufferSize, tt.cfg.BufferSizeBytes)
			assert.Equal(t, DefaultSnapLen, tt.cfg.SnapLen)
		})
	}
}

// 1,000 SYNs over 10 tuples replayed from a capture file yield ten
// records of 100 packets each.
func TestFileReplayMetersFlows(t *testing.T) {
	frames := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		frames = append(frames, tcpFrame(t, "192.168.1.10", "192.168.1.20", uint16(40000+i%10), 443, true, false, 0))
	}
	path := writePcap(t, frames)

	s, err := New(Config{Interface: backend.FilePrefix + path, Backend: backend.NameLibpcap})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.EnableFlow(FlowConfig{IdleTimeout: time.Hour}))
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		return s.Stats().PacketsReceived == 1000
	}, 5*time.Second, 10*time.Millisecond)

	recs, err := s.FlowGetAll()
	require.NoError(t, err)
	require.Len(t, recs, 10)
	for _, r := range recs {
		assert.EqualValues(t, 100, r.PacketsFwd)
		assert.Equal(t, core.TCPFlagSYN, r.TCPFlags)
		assert.GreaterOrEqual(t, r.LastSeenNs, r.FirstSeenNs)
	}

	rec, ok, err := s.FlowLookup(tuple("192.168.1.10", "192.168.1.20", 40003, 443))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 100, rec.Packets())

	pkts := s.Poll(2000)
	assert.Len(t, pkts, 1000)
	for _, p := range pkts {
		require.NoError(t, s.Release(p))
	}
	assert.Zero(t, s.Stats().PacketsDropped)
}

func TestExplicitBackendIsNotSubstituted(t *testing.T) {
	_, err := New(Config{Interface: "eth0", Backend: backend.NameDPDK},
		WithRegistry(backend.DefaultRegistry(nil)))
	assert.ErrorIs(t, err, core.ErrBackendUnavailable)
}

func TestMissingKeyRefusesStart(t *testing.T) {
	s, h := newScripted(t, Config{})

	err := s.SetEncryption(CryptoConfig{Enabled: true, KeyHandle: "file:" + filepath.Join(t.TempDir(), "absent.key")})
	require.ErrorIs(t, err, core.ErrKeyUnavailable)

	err = s.Start()
	require.ErrorIs(t, err, core.ErrKeyUnavailable)
	assert.Equal(t, core.StateCreated, s.State())

	h.push(tcpFrame(t, "10.0.0.1", "10.0.0.2", 1000, 80, true, false, 0))
	assert.Empty(t, s.Poll(10))
}

func TestLifecycle(t *testing.T) {
	s, h := newScripted(t, Config{})

	assert.NoError(t, s.Stop(), "stop before start")
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), core.ErrSessionRunning)
	assert.ErrorIs(t, s.EnableFlow(FlowConfig{}), core.ErrSessionRunning)
	assert.ErrorIs(t, s.SetEncryption(CryptoConfig{}), core.ErrSessionRunning)
	assert.Equal(t, core.StateRunning, s.Status().State)
	assert.False(t, s.Status().Started.IsZero())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.EqualValues(t, 1, h.closed.Load())
	assert.Equal(t, core.StateStopped, s.State())
	assert.ErrorIs(t, s.Start(), core.ErrSessionClosed)
	assert.EqualValues(t, 7, s.Stats().KernelDrops, "handle counters survive close")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.EqualValues(t, 1, h.closed.Load())
	assert.Equal(t, core.StateClosed, s.State())
	assert.Nil(t, s.Poll(1))
}

func TestConcurrentStop(t *testing.T) {
	s, h := newScripted(t, Config{})
	require.NoError(t, s.Start())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Stop())
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, h.closed.Load())
}

func TestNetflowNeedsFlowMetering(t *testing.T) {
	s, _ := newScripted(t, Config{})
	err := s.EnableNetflow(export.Config{Collector: "127.0.0.1:2055"})
	assert.ErrorIs(t, err, core.ErrFlowDisabled)

	_, _, err = s.FlowLookup(core.FlowTuple{})
	assert.ErrorIs(t, err, core.ErrFlowDisabled)
	_, err = s.FlowGetAll()
	assert.ErrorIs(t, err, core.ErrFlowDisabled)
}

func TestIdleEviction(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	clk := clock.NewManual(t0)
	s, _ := newScripted(t, Config{}, WithClock(clk))
	require.NoError(t, s.EnableFlow(FlowConfig{IdleTimeout: 30 * time.Second}))

	tup := tuple("10.0.0.1", "10.0.0.2", 5555, 80)
	s.Write(tcpFrame(t, "10.0.0.1", "10.0.0.2", 5555, 80, true, false, 10), gopacket.CaptureInfo{})

	clk.Advance(29 * time.Second)
	assert.Zero(t, s.ageNow())
	_, ok, err := s.FlowLookup(tup)
	require.NoError(t, err)
	assert.True(t, ok, "present at T+idle-1s")

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, s.ageNow())
	_, ok, _ = s.FlowLookup(tup)
	assert.False(t, ok, "evicted at T+idle+1s")
	assert.EqualValues(t, 1, s.Stats().FlowsEvicted)
	assert.Zero(t, s.Stats().ActiveFlows)
}

func TestResetEvictsImmediately(t *testing.T) {
	s, _ := newScripted(t, Config{})
	require.NoError(t, s.EnableFlow(FlowConfig{}))

	s.Write(tcpFrame(t, "10.0.0.1", "10.0.0.2", 5555, 80, true, false, 0), gopacket.CaptureInfo{})
	s.Write(tcpFrame(t, "10.0.0.1", "10.0.0.2", 5555, 80, false, true, 0), gopacket.CaptureInfo{})

	st := s.Stats()
	assert.EqualValues(t, 1, st.FlowsEvicted)
	assert.Zero(t, st.ActiveFlows)
}

func TestBackpressureDropsWithoutCorruption(t *testing.T) {
	s, _ := newScripted(t, Config{SnapLen: MaxSnapLen})
	slots := s.ring.Cap()
	frame := tcpFrame(t, "10.0.0.1", "10.0.0.2", 1, 2, true, false, 100)

	for i := 0; i < slots+50; i++ {
		s.Write(frame, gopacket.CaptureInfo{})
	}
	st := s.Stats()
	assert.EqualValues(t, slots+50, st.PacketsReceived)
	assert.EqualValues(t, 50, st.PacketsDropped)

	head, tail := s.ring.Positions()
	assert.EqualValues(t, slots, head-tail)

	// draining restores capacity
	pkts := s.Poll(slots)
	require.Len(t, pkts, slots)
	for _, p := range pkts {
		b, err := s.Bytes(p)
		require.NoError(t, err)
		assert.Equal(t, frame, b)
		require.NoError(t, s.Release(p))
	}
	s.Write(frame, gopacket.CaptureInfo{})
	assert.Len(t, s.Poll(10), 1)
	assert.EqualValues(t, 50, s.Stats().PacketsDropped)
}

func TestTruncationToSnapLen(t *testing.T) {
	s, _ := newScripted(t, Config{SnapLen: 64})
	frame := tcpFrame(t, "10.0.0.1", "10.0.0.2", 1, 2, true, false, 500)

	s.Write(frame, gopacket.CaptureInfo{})
	pkts := s.Poll(1)
	require.Len(t, pkts, 1)
	p := pkts[0]
	assert.True(t, p.Flags.Has(core.FlagTruncated))
	assert.EqualValues(t, 64, p.CaptureLen)
	assert.EqualValues(t, len(frame), p.OrigLen)

	b, err := s.Bytes(p)
	require.NoError(t, err)
	assert.Equal(t, frame[:64], b)
}

func TestEncryptedSlots(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	t.Setenv("FLOWCAP_SESSION_KEY", hex.EncodeToString(key))

	s, _ := newScripted(t, Config{})
	require.NoError(t, s.SetEncryption(CryptoConfig{Enabled: true, KeyHandle: "env:FLOWCAP_SESSION_KEY"}))
	assert.True(t, s.Status().Encrypted)

	frame := tcpFrame(t, "10.0.0.1", "10.0.0.2", 1, 2, true, false, 40)
	s.Write(frame, gopacket.CaptureInfo{})

	pkts := s.Poll(1)
	require.Len(t, pkts, 1)
	p := pkts[0]
	require.True(t, p.Flags.Has(core.FlagEncrypted))

	sealed, err := s.Bytes(p)
	require.NoError(t, err)
	assert.Len(t, sealed, len(frame)+28)
	assert.NotContains(t, string(sealed), string(frame[14:34]))

	plain, err := s.Decrypt(p)
	require.NoError(t, err)
	assert.Equal(t, frame, plain)

	tampered := p
	tampered.OrigLen++
	_, err = s.Decrypt(tampered)
	assert.ErrorIs(t, err, core.ErrDecrypt)

	require.NoError(t, s.Release(p))
	_, err = s.Decrypt(p)
	assert.ErrorIs(t, err, core.ErrInvalidSlot)
}

func TestDecryptPlainPacket(t *testing.T) {
	s, _ := newScripted(t, Config{})
	s.Write(udpFrame(t, 53, 53), gopacket.CaptureInfo{})
	pkts := s.Poll(1)
	require.Len(t, pkts, 1)
	_, err := s.Decrypt(pkts[0])
	assert.ErrorIs(t, err, core.ErrNotEncrypted)
}

func TestUserspaceFilter(t *testing.T) {
	h := &scriptedHandle{}
	reg := backend.NewRegistry(&scriptedBackend{name: backend.NameXDP, handle: h})
	s, err := New(Config{Interface: "eth0", Filter: "tcp"}, WithRegistry(reg))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.EnableFlow(FlowConfig{}))

	s.Write(udpFrame(t, 53, 53), gopacket.CaptureInfo{})
	s.Write(tcpFrame(t, "10.0.0.1", "10.0.0.2", 1, 2, true, false, 0), gopacket.CaptureInfo{})

	st := s.Stats()
	assert.EqualValues(t, 2, st.PacketsReceived)
	assert.EqualValues(t, 1, st.PacketsFiltered)
	assert.EqualValues(t, 1, st.ActiveFlows, "filtered frames are not metered")
	assert.Len(t, s.Poll(10), 1)
}

func TestTableFullStillCaptures(t *testing.T) {
	s, _ := newScripted(t, Config{})
	require.NoError(t, s.EnableFlow(FlowConfig{TableSize: 1 << 12}))

	limit := (1 << 12) * 7 / 8
	for i := 0; i < limit+10; i++ {
		s.Write(tcpFrame(t, "10.0.0.1", "10.0.0.2", uint16(i+1), 80, true, false, 0), gopacket.CaptureInfo{})
	}

	st := s.Stats()
	assert.EqualValues(t, limit, st.ActiveFlows)
	assert.EqualValues(t, 10, st.TableFull)

	pkts := s.Poll(limit + 10)
	require.Len(t, pkts, limit+10)
	assert.False(t, pkts[0].Flags.Has(core.FlagNotFlowAttributed))
	assert.True(t, pkts[limit].Flags.Has(core.FlagNotFlowAttributed))
}

func TestDecodeErrorsCounted(t *testing.T) {
	s, _ := newScripted(t, Config{})
	require.NoError(t, s.EnableFlow(FlowConfig{}))

	frame := tcpFrame(t, "10.0.0.1", "10.0.0.2", 1, 2, true, false, 0)
	s.Write(frame[:20], gopacket.CaptureInfo{})

	st := s.Stats()
	assert.EqualValues(t, 1, st.DecodeErrors)
	assert.Zero(t, st.ActiveFlows)
	assert.Len(t, s.Poll(1), 1, "undecodable frames are still captured")
}

func TestDegradedAfterRepeatedErrors(t *testing.T) {
	s, h := newScripted(t, Config{})
	h.failing.Store(true)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return s.Stats().Degraded }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, s.Stats().BackendErrors, uint64(3))

	h.failing.Store(false)
	require.Eventually(t, func() bool { return !s.Stats().Degraded }, 2*time.Second, 5*time.Millisecond)
}

func TestStopExportsRemainingFlows(t *testing.T) {
	collector, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer collector.Close()

	s, h := newScripted(t, Config{})
	require.NoError(t, s.EnableFlow(FlowConfig{ExportInterval: time.Hour}))
	require.NoError(t, s.EnableNetflow(export.Config{
		Collector: collector.LocalAddr().String(),
		Format:    export.FormatIPFIX,
	}))
	require.NoError(t, s.Start())

	for i := 0; i < 3; i++ {
		h.push(tcpFrame(t, "10.1.0.1", "10.1.0.2", uint16(7000+i), 22, true, false, 0))
	}
	require.Eventually(t, func() bool { return s.Stats().ActiveFlows == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	require.NoError(t, collector.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 65535)
	n, _, err := collector.ReadFromUDP(buf)
	require.NoError(t, err)

	dg, err := export.Decode(buf[:n])
	require.NoError(t, err)
	require.Len(t, dg.Records, 3)
	for _, r := range dg.Records {
		assert.Equal(t, core.EndForced, r.EndReason)
		assert.EqualValues(t, 1, r.PacketsFwd)
	}

	st := s.Stats()
	assert.EqualValues(t, 3, st.FlowsExported)
	assert.EqualValues(t, 3, st.FlowsEvicted)
}

func TestStopExportsMixedFamilyFlow(t *testing.T) {
	collector, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer collector.Close()

	s, h := newScripted(t, Config{})
	require.NoError(t, s.EnableFlow(FlowConfig{ExportInterval: time.Hour}))
	require.NoError(t, s.EnableNetflow(export.Config{
		Collector: collector.LocalAddr().String(),
		Format:    export.FormatIPFIX,
	}))
	require.NoError(t, s.Start())

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP("::ffff:10.0.0.1"),
		DstIP:      net.ParseIP("2001:db8::1"),
	}
	tcp := &layers.TCP{SrcPort: 41000, DstPort: 443, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	h.push(buf.Bytes())

	require.Eventually(t, func() bool { return s.Stats().ActiveFlows == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NotPanics(t, func() { require.NoError(t, s.Stop()) })

	require.NoError(t, collector.SetReadDeadline(time.Now().Add(2*time.Second)))
	rbuf := make([]byte, 65535)
	n, _, err := collector.ReadFromUDP(rbuf)
	require.NoError(t, err)

	dg, err := export.Decode(rbuf[:n])
	require.NoError(t, err)
	require.Len(t, dg.Records, 1)
	addrs := []netip.Addr{dg.Records[0].Tuple.SrcIP, dg.Records[0].Tuple.DstIP}
	assert.ElementsMatch(t, []netip.Addr{
		netip.MustParseAddr("::ffff:10.0.0.1"),
		netip.MustParseAddr("2001:db8::1"),
	}, addrs)
	assert.EqualValues(t, 1, s.Stats().FlowsExported)
}

func TestDriverImageGate(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	dir := t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		return path
	}
	anchor := write("trust.pem", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	image := write("pmd.so", []byte("poll mode driver"))
	good := write("good.sig", ed25519.Sign(priv, []byte("poll mode driver")))
	bad := write("bad.sig", ed25519.Sign(priv, []byte("something else")))

	tests := []struct {
		name    string
		sig     string
		wantErr bool
	}{
		{"valid signature", good, false},
		{"invalid signature", bad, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &scriptedHandle{kernel: true}
			reg := backend.NewRegistry(&scriptedBackend{name: backend.NameDPDK, handle: h})
			s, err := New(Config{
				Interface:    "eth0",
				Backend:      backend.NameDPDK,
				DriverImages: map[string]DriverImage{backend.NameDPDK: {Image: image, Signature: tt.sig}},
				TrustAnchor:  anchor,
			}, WithRegistry(reg))
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrIntegrity)
				assert.ErrorIs(t, err, core.ErrBackendUnavailable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, backend.NameDPDK, s.Backend())
			require.NoError(t, s.Close())
		})
	}
}

func TestNewReleasesOnError(t *testing.T) {
	h := &scriptedHandle{kernel: true}
	reg := backend.NewRegistry(&scriptedBackend{name: backend.NameAFPacket, handle: h})

	_, err := New(Config{Interface: "eth0", TimestampSource: "sundial"}, WithRegistry(reg))
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.Zero(t, h.closed.Load(), "backend never opened")

	_, err = New(Config{Interface: "eth0", Filter: "tcp and ("}, WithRegistry(reg))
	assert.ErrorIs(t, err, core.ErrInvalidFilter)
}
