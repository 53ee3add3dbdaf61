package export

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowcap/internal/core"
)

var exportNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(i int, v6 bool) core.FlowRecord {
	src := netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)})
	dst := netip.MustParseAddr("192.0.2.10")
	if v6 {
		src = netip.AddrFrom16([16]byte{0x20, 0x01, 0x0d, 0xb8, 14: byte(i >> 8), 15: byte(i)})
		dst = netip.MustParseAddr("2001:db8::10")
	}
	first := exportNow.Add(-time.Minute).UnixNano()
	return core.FlowRecord{
		Tuple: core.FlowTuple{
			SrcIP:    src,
			DstIP:    dst,
			SrcPort:  uint16(40000 + i),
			DstPort:  443,
			Protocol: core.ProtoTCP,
		},
		FlowID:      uint64(i),
		PacketsFwd:  uint64(10 + i),
		PacketsRev:  uint64(5 + i),
		BytesFwd:    uint64(1000 * (i + 1)),
		BytesRev:    uint64(500 * (i + 1)),
		FirstSeenNs: first,
		LastSeenNs:  first + int64(30*time.Second),
		TCPFlags:    core.TCPFlagSYN | core.TCPFlagACK | core.TCPFlagFIN,
		State:       core.FlowClosed,
		EndReason:   core.EndOfFlow,
	}
}

func newEncoder(t *testing.T, format Format, profile Profile, max int) *Encoder {
	t.Helper()
	enc, err := NewEncoder(EncoderConfig{
		Format:            format,
		Profile:           profile,
		MaxDatagramBytes:  max,
		ObservationDomain: 77,
		Now:               func() time.Time { return exportNow },
	})
	require.NoError(t, err)
	return enc
}

func TestNewEncoderValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  EncoderConfig
	}{
		{"format", EncoderConfig{Format: "sflow", Profile: ProfileDual, MaxDatagramBytes: 1400}},
		{"profile", EncoderConfig{Format: FormatIPFIX, Profile: "ipv6", MaxDatagramBytes: 1400}},
		{"too small", EncoderConfig{Format: FormatIPFIX, Profile: ProfileDual, MaxDatagramBytes: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncoder(tt.cfg)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, format := range []Format{FormatNetflow9, FormatIPFIX} {
		t.Run(string(format), func(t *testing.T) {
			enc := newEncoder(t, format, ProfileDual, DefaultMaxDatagramBytes)
			recs := []core.FlowRecord{record(1, false), record(2, true), record(3, false)}

			dgs, skipped := enc.Encode(recs)
			require.Zero(t, skipped)
			require.Len(t, dgs, 2, "one datagram per address family")

			var got []core.FlowRecord
			for _, dg := range dgs {
				assert.LessOrEqual(t, len(dg.Data), DefaultMaxDatagramBytes)
				assert.Zero(t, len(dg.Data)%4)

				d, err := Decode(dg.Data)
				require.NoError(t, err)
				assert.Equal(t, uint32(77), d.Domain)
				assert.Equal(t, exportNow.Unix(), d.ExportTime.Unix())
				assert.Zero(t, d.Unknown)
				assert.Len(t, d.Records, dg.Records)
				got = append(got, d.Records...)
			}

			require.Len(t, got, 3)
			byPort := map[uint16]core.FlowRecord{}
			for _, r := range got {
				byPort[r.Tuple.SrcPort] = r
			}
			for _, want := range recs {
				r, ok := byPort[want.Tuple.SrcPort]
				require.True(t, ok)
				assert.Equal(t, want.Tuple, r.Tuple)
				assert.Equal(t, want.PacketsFwd, r.PacketsFwd)
				assert.Equal(t, want.PacketsRev, r.PacketsRev)
				assert.Equal(t, want.BytesFwd, r.BytesFwd)
				assert.Equal(t, want.BytesRev, r.BytesRev)
				assert.Equal(t, want.TCPFlags, r.TCPFlags)
				assert.Equal(t, want.EndReason, r.EndReason)
				assert.Equal(t, want.FirstSeenNs, r.FirstSeenNs)
				assert.Equal(t, want.LastSeenNs, r.LastSeenNs)
			}
		})
	}
}

func TestEncodeRespectsDatagramBound(t *testing.T) {
	enc := newEncoder(t, FormatNetflow9, ProfileDual, MinDatagramBytes)
	recs := make([]core.FlowRecord, 50)
	for i := range recs {
		recs[i] = record(i, false)
	}

	dgs, _ := enc.Encode(recs)
	require.Greater(t, len(dgs), 1)

	total := 0
	for _, dg := range dgs {
		assert.LessOrEqual(t, len(dg.Data), MinDatagramBytes)
		d, err := Decode(dg.Data)
		require.NoError(t, err)
		total += len(d.Records)
	}
	assert.Equal(t, len(recs), total)
}

func TestEncodeIPv4ProfileSkipsIPv6(t *testing.T) {
	enc := newEncoder(t, FormatIPFIX, ProfileIPv4, DefaultMaxDatagramBytes)
	recs := []core.FlowRecord{record(1, false), record(2, true), record(3, false)}

	dgs, skipped := enc.Encode(recs)
	assert.Equal(t, 1, skipped)
	require.Len(t, dgs, 1)
	assert.Equal(t, 2, dgs[0].Records)

	d, err := Decode(dgs[0].Data)
	require.NoError(t, err)
	for _, r := range d.Records {
		assert.True(t, r.Tuple.SrcIP.Is4())
	}
}

func TestEncodeMixedFamilyTuple(t *testing.T) {
	mixed := record(1, false)
	mixed.Tuple.SrcIP = netip.MustParseAddr("::ffff:10.0.0.1")
	mixed.Tuple.DstIP = netip.MustParseAddr("2001:db8::1")
	mapped := record(2, false)
	mapped.Tuple.SrcIP = netip.MustParseAddr("::ffff:10.0.0.2")
	mapped.Tuple.DstIP = netip.MustParseAddr("::ffff:10.0.0.3")

	t.Run("dual", func(t *testing.T) {
		enc := newEncoder(t, FormatIPFIX, ProfileDual, DefaultMaxDatagramBytes)
		var dgs []Encoded
		var skipped int
		require.NotPanics(t, func() { dgs, skipped = enc.Encode([]core.FlowRecord{mixed, mapped}) })
		assert.Zero(t, skipped)
		require.Len(t, dgs, 2)

		got := map[uint16]core.FlowTuple{}
		for _, dg := range dgs {
			d, err := Decode(dg.Data)
			require.NoError(t, err)
			for _, r := range d.Records {
				got[r.Tuple.SrcPort] = r.Tuple
			}
		}
		require.Len(t, got, 2)
		assert.Equal(t, mixed.Tuple.SrcIP, got[mixed.Tuple.SrcPort].SrcIP)
		assert.Equal(t, mixed.Tuple.DstIP, got[mixed.Tuple.SrcPort].DstIP)
		assert.Equal(t, netip.MustParseAddr("10.0.0.2"), got[mapped.Tuple.SrcPort].SrcIP)
		assert.Equal(t, netip.MustParseAddr("10.0.0.3"), got[mapped.Tuple.SrcPort].DstIP)
	})

	t.Run("ipv4 profile", func(t *testing.T) {
		enc := newEncoder(t, FormatNetflow9, ProfileIPv4, DefaultMaxDatagramBytes)
		var dgs []Encoded
		var skipped int
		require.NotPanics(t, func() { dgs, skipped = enc.Encode([]core.FlowRecord{mixed, mapped}) })
		assert.Equal(t, 1, skipped)
		require.Len(t, dgs, 1)
		assert.Equal(t, 1, dgs[0].Records)
	})
}

func TestSequenceNumbers(t *testing.T) {
	nf := newEncoder(t, FormatNetflow9, ProfileDual, DefaultMaxDatagramBytes)
	ipfix := newEncoder(t, FormatIPFIX, ProfileDual, DefaultMaxDatagramBytes)
	batch := []core.FlowRecord{record(1, false), record(2, false), record(3, false)}

	for i := 0; i < 3; i++ {
		dgs, _ := nf.Encode(batch)
		d, err := Decode(dgs[0].Data)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), d.Sequence, "netflow v9 counts datagrams")

		dgs, _ = ipfix.Encode(batch)
		d, err = Decode(dgs[0].Data)
		require.NoError(t, err)
		assert.Equal(t, uint32(3*i), d.Sequence, "ipfix counts data records")
	}
}

func TestDecodeMalformed(t *testing.T) {
	enc := newEncoder(t, FormatIPFIX, ProfileDual, DefaultMaxDatagramBytes)
	dgs, _ := enc.Encode([]core.FlowRecord{record(1, false)})
	good := dgs[0].Data

	badVersion := append([]byte(nil), good...)
	binary.BigEndian.PutUint16(badVersion, 5)

	badLength := append([]byte(nil), good...)
	binary.BigEndian.PutUint16(badLength[2:], uint16(len(good)+10))

	badSet := append([]byte(nil), good...)
	binary.BigEndian.PutUint16(badSet[ipfixHeaderLen+2:], 2000)

	for name, b := range map[string][]byte{
		"empty":       nil,
		"version":     badVersion,
		"length":      badLength,
		"set length":  badSet,
		"header only": good[:10],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			assert.ErrorIs(t, err, core.ErrMalformed)
		})
	}
}

func TestDecodeSkipsUnknownTemplate(t *testing.T) {
	enc := newEncoder(t, FormatNetflow9, ProfileDual, DefaultMaxDatagramBytes)
	dgs, _ := enc.Encode([]core.FlowRecord{record(1, false)})
	b := dgs[0].Data

	// drop the template set: header, then data set only
	tmplLen := int(binary.BigEndian.Uint16(b[netflow9HeaderLen+2:]))
	stripped := append(append([]byte(nil), b[:netflow9HeaderLen]...), b[netflow9HeaderLen+tmplLen:]...)

	d, err := Decode(stripped)
	require.NoError(t, err)
	assert.Empty(t, d.Records)
	assert.Equal(t, 1, d.Unknown)
}
