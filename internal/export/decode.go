package export

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/flowcap/internal/core"
)

// Datagram is a decoded NetFlow v9 or IPFIX message.
type Datagram struct {
	Version    uint16
	ExportTime time.Time
	Sequence   uint32
	Domain     uint32 // Source id for NetFlow v9
	// Records carry wall-clock Unix nanoseconds in FirstSeenNs and
	// LastSeenNs, at millisecond precision.
	Records []core.FlowRecord
	// Unknown counts data sets skipped for lack of a template.
	Unknown int
}

// Decode parses a datagram. Templates are taken from the datagram itself;
// data sets whose template it does not carry are skipped and counted.
// Truncated or inconsistent input wraps core.ErrMalformed.
func Decode(b []byte) (*Datagram, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%d byte datagram: %w", len(b), core.ErrMalformed)
	}

	d := &Datagram{Version: binary.BigEndian.Uint16(b[0:])}
	var body []byte
	switch d.Version {
	case versionNetflow9:
		if len(b) < netflow9HeaderLen {
			return nil, fmt.Errorf("netflow v9 header: %w", core.ErrMalformed)
		}
		d.ExportTime = time.Unix(int64(binary.BigEndian.Uint32(b[8:])), 0)
		d.Sequence = binary.BigEndian.Uint32(b[12:])
		d.Domain = binary.BigEndian.Uint32(b[16:])
		body = b[netflow9HeaderLen:]
	case versionIPFIX:
		if len(b) < ipfixHeaderLen {
			return nil, fmt.Errorf("ipfix header: %w", core.ErrMalformed)
		}
		length := int(binary.BigEndian.Uint16(b[2:]))
		if length < ipfixHeaderLen || length > len(b) {
			return nil, fmt.Errorf("ipfix length %d of %d bytes: %w", length, len(b), core.ErrMalformed)
		}
		d.ExportTime = time.Unix(int64(binary.BigEndian.Uint32(b[4:])), 0)
		d.Sequence = binary.BigEndian.Uint32(b[8:])
		d.Domain = binary.BigEndian.Uint32(b[12:])
		body = b[ipfixHeaderLen:length]
	default:
		return nil, fmt.Errorf("version %d: %w", d.Version, core.ErrMalformed)
	}

	templates := make(map[uint16][]field)
	for len(body) > 0 {
		if len(body) < setHeaderLen {
			return nil, fmt.Errorf("set header: %w", core.ErrMalformed)
		}
		id := binary.BigEndian.Uint16(body[0:])
		length := int(binary.BigEndian.Uint16(body[2:]))
		if length < setHeaderLen || length > len(body) {
			return nil, fmt.Errorf("set %d length %d: %w", id, length, core.ErrMalformed)
		}
		set := body[setHeaderLen:length]
		body = body[length:]

		switch {
		case id == netflow9TemplateSet && d.Version == versionNetflow9,
			id == ipfixTemplateSet && d.Version == versionIPFIX:
			if err := parseTemplates(set, templates); err != nil {
				return nil, err
			}
		case id < 256:
			// options templates and reserved sets
		default:
			fields, ok := templates[id]
			if !ok {
				d.Unknown++
				continue
			}
			recs, err := parseData(set, fields)
			if err != nil {
				return nil, err
			}
			d.Records = append(d.Records, recs...)
		}
	}
	return d, nil
}

func parseTemplates(set []byte, out map[uint16][]field) error {
	// a trailing pad shorter than a template header is allowed
	for len(set) >= 4 {
		id := binary.BigEndian.Uint16(set[0:])
		count := int(binary.BigEndian.Uint16(set[2:]))
		set = set[4:]
		if id == 0 && count == 0 {
			break
		}
		if len(set) < 4*count {
			return fmt.Errorf("template %d: %w", id, core.ErrMalformed)
		}
		fields := make([]field, count)
		for i := range fields {
			fields[i] = field{
				id:     binary.BigEndian.Uint16(set[4*i:]),
				length: binary.BigEndian.Uint16(set[4*i+2:]),
			}
			if fields[i].id&0x8000 != 0 {
				// enterprise element: not produced by this exporter
				return fmt.Errorf("template %d enterprise field: %w", id, core.ErrMalformed)
			}
		}
		set = set[4*count:]
		out[id] = fields
	}
	return nil
}

func parseData(set []byte, fields []field) ([]core.FlowRecord, error) {
	recLen := 0
	for _, f := range fields {
		recLen += int(f.length)
	}
	if recLen == 0 {
		return nil, fmt.Errorf("empty template: %w", core.ErrMalformed)
	}

	var recs []core.FlowRecord
	for len(set) >= recLen {
		var r core.FlowRecord
		off := 0
		for _, f := range fields {
			v := set[off : off+int(f.length)]
			off += int(f.length)
			applyField(&r, f.id, v)
		}
		recs = append(recs, r)
		set = set[recLen:]
	}
	return recs, nil
}

func applyField(r *core.FlowRecord, id uint16, v []byte) {
	switch id {
	case ieSrcIPv4, ieSrcIPv6:
		r.Tuple.SrcIP, _ = netip.AddrFromSlice(v)
	case ieDstIPv4, ieDstIPv6:
		r.Tuple.DstIP, _ = netip.AddrFromSlice(v)
	case ieSrcPort:
		r.Tuple.SrcPort = uint16(uintN(v))
	case ieDstPort:
		r.Tuple.DstPort = uint16(uintN(v))
	case ieProtocol:
		r.Tuple.Protocol = uint8(uintN(v))
	case ieTCPFlags:
		r.TCPFlags = uint8(uintN(v))
	case iePacketDelta:
		r.PacketsFwd = uintN(v)
	case ieOctetDelta:
		r.BytesFwd = uintN(v)
	case iePostPacketDelta:
		r.PacketsRev = uintN(v)
	case iePostOctetDelta:
		r.BytesRev = uintN(v)
	case ieFlowStartMillis:
		r.FirstSeenNs = int64(uintN(v)) * int64(time.Millisecond)
	case ieFlowEndMillis:
		r.LastSeenNs = int64(uintN(v)) * int64(time.Millisecond)
	case ieFlowEndReason:
		r.EndReason = core.EndReason(uintN(v))
		r.State = core.FlowClosed
	}
}

// uintN reads a big-endian unsigned integer of up to 8 bytes.
func uintN(v []byte) uint64 {
	var n uint64
	for _, c := range v {
		n = n<<8 | uint64(c)
	}
	return n
}
