// Package export ships closed flow records to collectors as NetFlow v9 or
// IPFIX datagrams over UDP, and optionally as JSON documents to Kafka.
//
// Datagram layout (both formats):
//
//	header | template set (one template) | data set (records, 4-byte padded)
//
// Each datagram holds records of one address family only and carries the
// template describing them, so a collector can decode any datagram without
// having seen earlier ones.
//
// Template 256 (IPv4) and 257 (IPv6) fields, by information element:
//
//	IE   Size  Name
//	8    4     sourceIPv4Address        (27, 16 bytes, for IPv6)
//	12   4     destinationIPv4Address   (28, 16 bytes, for IPv6)
//	7    2     sourceTransportPort
//	11   2     destinationTransportPort
//	4    1     protocolIdentifier
//	6    1     tcpControlBits
//	2    8     packetDeltaCount         forward direction
//	1    8     octetDeltaCount          forward direction
//	24   8     postPacketDeltaCount     reverse direction
//	23   8     postOctetDeltaCount      reverse direction
//	152  8     flowStartMilliseconds
//	153  8     flowEndMilliseconds
//	136  1     flowEndReason
package export

import (
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/flowcap/internal/core"
)

// Format selects the wire protocol.
type Format string

const (
	FormatNetflow9 Format = "netflow9"
	FormatIPFIX    Format = "ipfix"
)

// Profile selects which address families are exported.
type Profile string

const (
	ProfileDual Profile = "dual"
	ProfileIPv4 Profile = "ipv4"
)

const (
	TemplateIPv4 uint16 = 256
	TemplateIPv6 uint16 = 257

	versionNetflow9 = 9
	versionIPFIX    = 10

	netflow9HeaderLen = 20
	ipfixHeaderLen    = 16
	setHeaderLen      = 4

	// Set ids carrying templates.
	netflow9TemplateSet = 0
	ipfixTemplateSet    = 2
)

// Information element ids.
const (
	ieOctetDelta      = 1
	iePacketDelta     = 2
	ieProtocol        = 4
	ieTCPFlags        = 6
	ieSrcPort         = 7
	ieSrcIPv4         = 8
	ieDstPort         = 11
	ieDstIPv4         = 12
	iePostOctetDelta  = 23
	iePostPacketDelta = 24
	ieSrcIPv6         = 27
	ieDstIPv6         = 28
	ieFlowEndReason   = 136
	ieFlowStartMillis = 152
	ieFlowEndMillis   = 153
)

type field struct {
	id     uint16
	length uint16
}

func templateFields(v6 bool) []field {
	src, dst := field{ieSrcIPv4, 4}, field{ieDstIPv4, 4}
	if v6 {
		src, dst = field{ieSrcIPv6, 16}, field{ieDstIPv6, 16}
	}
	return []field{
		src, dst,
		{ieSrcPort, 2},
		{ieDstPort, 2},
		{ieProtocol, 1},
		{ieTCPFlags, 1},
		{iePacketDelta, 8},
		{ieOctetDelta, 8},
		{iePostPacketDelta, 8},
		{iePostOctetDelta, 8},
		{ieFlowStartMillis, 8},
		{ieFlowEndMillis, 8},
		{ieFlowEndReason, 1},
	}
}

type template struct {
	id        uint16
	fields    []field
	recordLen int
	setLen    int // Encoded template set, header included
}

func newTemplate(id uint16, v6 bool) template {
	t := template{id: id, fields: templateFields(v6)}
	for _, f := range t.fields {
		t.recordLen += int(f.length)
	}
	t.setLen = setHeaderLen + 4 + 4*len(t.fields)
	return t
}

var (
	templateV4 = newTemplate(TemplateIPv4, false)
	templateV6 = newTemplate(TemplateIPv6, true)
)

// EncoderConfig parameterises an Encoder.
type EncoderConfig struct {
	Format            Format
	Profile           Profile
	MaxDatagramBytes  int
	ObservationDomain uint32
	// WallTime maps record timestamps to wall-clock time. Defaults to
	// treating them as Unix nanoseconds.
	WallTime func(ns int64) time.Time
	// Now is the export clock. Defaults to time.Now.
	Now func() time.Time
}

// Encoder packs flow records into datagrams. It keeps the sequence counters
// of one export stream and is not safe for concurrent use.
type Encoder struct {
	cfg     EncoderConfig
	header  int
	boot    time.Time
	packets uint32 // NetFlow v9 sequence: datagrams sent
	records uint32 // IPFIX sequence: data records sent
}

// NewEncoder validates cfg and returns an encoder.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	e := &Encoder{cfg: cfg}
	switch cfg.Format {
	case FormatNetflow9:
		e.header = netflow9HeaderLen
	case FormatIPFIX:
		e.header = ipfixHeaderLen
	default:
		return nil, fmt.Errorf("export format %q: %w", cfg.Format, core.ErrConfigInvalid)
	}
	switch cfg.Profile {
	case ProfileDual, ProfileIPv4:
	default:
		return nil, fmt.Errorf("export profile %q: %w", cfg.Profile, core.ErrConfigInvalid)
	}
	if e.capacity(templateV6) < 1 {
		return nil, fmt.Errorf("max datagram bytes %d cannot hold one record: %w",
			cfg.MaxDatagramBytes, core.ErrConfigInvalid)
	}
	if e.cfg.WallTime == nil {
		e.cfg.WallTime = func(ns int64) time.Time { return time.Unix(0, ns) }
	}
	if e.cfg.Now == nil {
		e.cfg.Now = time.Now
	}
	e.boot = e.cfg.Now()
	return e, nil
}

// capacity is how many records of t fit in one datagram.
func (e *Encoder) capacity(t template) int {
	room := e.cfg.MaxDatagramBytes - e.header - t.setLen - setHeaderLen
	n := room / t.recordLen
	for n > 0 && pad4(n*t.recordLen) > room {
		n--
	}
	return n
}

func pad4(n int) int { return (n + 3) &^ 3 }

// Encoded is one datagram and the number of flow records it carries.
type Encoded struct {
	Data    []byte
	Records int
}

// Encode packs recs into datagrams. Records the profile cannot carry are
// skipped and counted; the rest of the batch is unaffected.
func (e *Encoder) Encode(recs []core.FlowRecord) (datagrams []Encoded, skipped int) {
	var v4, v6 []core.FlowRecord
	for _, r := range recs {
		if r.Tuple.IsIPv6() {
			if e.cfg.Profile == ProfileIPv4 {
				skipped++
				continue
			}
			v6 = append(v6, r)
		} else {
			v4 = append(v4, r)
		}
	}

	for _, group := range []struct {
		t    template
		recs []core.FlowRecord
	}{{templateV4, v4}, {templateV6, v6}} {
		per := e.capacity(group.t)
		for len(group.recs) > 0 {
			n := min(per, len(group.recs))
			datagrams = append(datagrams, Encoded{Data: e.datagram(group.t, group.recs[:n]), Records: n})
			group.recs = group.recs[n:]
		}
	}
	return datagrams, skipped
}

func (e *Encoder) datagram(t template, recs []core.FlowRecord) []byte {
	dataLen := pad4(len(recs) * t.recordLen)
	size := e.header + t.setLen + setHeaderLen + dataLen
	b := make([]byte, e.header, size)

	now := e.cfg.Now()
	if e.cfg.Format == FormatNetflow9 {
		binary.BigEndian.PutUint16(b[0:], versionNetflow9)
		binary.BigEndian.PutUint16(b[2:], uint16(1+len(recs))) // template + data records
		binary.BigEndian.PutUint32(b[4:], uint32(now.Sub(e.boot).Milliseconds()))
		binary.BigEndian.PutUint32(b[8:], uint32(now.Unix()))
		binary.BigEndian.PutUint32(b[12:], e.packets)
		binary.BigEndian.PutUint32(b[16:], e.cfg.ObservationDomain)
		e.packets++
	} else {
		binary.BigEndian.PutUint16(b[0:], versionIPFIX)
		binary.BigEndian.PutUint16(b[2:], uint16(size))
		binary.BigEndian.PutUint32(b[4:], uint32(now.Unix()))
		binary.BigEndian.PutUint32(b[8:], e.records)
		binary.BigEndian.PutUint32(b[12:], e.cfg.ObservationDomain)
		e.records += uint32(len(recs))
	}

	b = e.appendTemplateSet(b, t)

	setStart := len(b)
	b = binary.BigEndian.AppendUint16(b, t.id)
	b = binary.BigEndian.AppendUint16(b, uint16(setHeaderLen+dataLen))
	for _, r := range recs {
		b = e.appendRecord(b, r)
	}
	for len(b)-setStart < setHeaderLen+dataLen {
		b = append(b, 0)
	}
	return b
}

func (e *Encoder) appendTemplateSet(b []byte, t template) []byte {
	setID := uint16(netflow9TemplateSet)
	if e.cfg.Format == FormatIPFIX {
		setID = ipfixTemplateSet
	}
	b = binary.BigEndian.AppendUint16(b, setID)
	b = binary.BigEndian.AppendUint16(b, uint16(t.setLen))
	b = binary.BigEndian.AppendUint16(b, t.id)
	b = binary.BigEndian.AppendUint16(b, uint16(len(t.fields)))
	for _, f := range t.fields {
		b = binary.BigEndian.AppendUint16(b, f.id)
		b = binary.BigEndian.AppendUint16(b, f.length)
	}
	return b
}

func (e *Encoder) appendRecord(b []byte, r core.FlowRecord) []byte {
	if r.Tuple.IsIPv6() {
		src, dst := r.Tuple.SrcIP.As16(), r.Tuple.DstIP.As16()
		b = append(b, src[:]...)
		b = append(b, dst[:]...)
	} else {
		src, dst := r.Tuple.SrcIP.Unmap().As4(), r.Tuple.DstIP.Unmap().As4()
		b = append(b, src[:]...)
		b = append(b, dst[:]...)
	}
	b = binary.BigEndian.AppendUint16(b, r.Tuple.SrcPort)
	b = binary.BigEndian.AppendUint16(b, r.Tuple.DstPort)
	b = append(b, r.Tuple.Protocol, r.TCPFlags)
	b = binary.BigEndian.AppendUint64(b, r.PacketsFwd)
	b = binary.BigEndian.AppendUint64(b, r.BytesFwd)
	b = binary.BigEndian.AppendUint64(b, r.PacketsRev)
	b = binary.BigEndian.AppendUint64(b, r.BytesRev)
	b = binary.BigEndian.AppendUint64(b, uint64(e.cfg.WallTime(r.FirstSeenNs).UnixMilli()))
	b = binary.BigEndian.AppendUint64(b, uint64(e.cfg.WallTime(r.LastSeenNs).UnixMilli()))
	return append(b, byte(r.EndReason))
}
