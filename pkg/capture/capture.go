// Package capture is the public Go API of flowcap. It mirrors the C-style
// surface: Init, Start, Stop, Poll, FlowEnable, FlowLookup, FlowGetAll,
// NetflowEnable, SetEncryption, VerifyFirmware, GetStats and Cleanup.
//
// A typical consumer:
//
//	s, err := capture.Init(capture.CaptureConfig{Interface: "eth0"})
//	...
//	s.FlowEnable(capture.FlowConfig{IdleTimeout: 30 * time.Second})
//	s.Start()
//	for {
//		for _, p := range s.Poll(256) {
//			b, _ := s.Bytes(p)
//			handle(b)
//			s.Release(p)
//		}
//	}
package capture

import (
	"firestige.xyz/flowcap/internal/core"
	"firestige.xyz/flowcap/internal/export"
	"firestige.xyz/flowcap/internal/integrity"
	"firestige.xyz/flowcap/internal/session"
)

type (
	CaptureConfig  = session.Config
	DriverImage    = session.DriverImage
	FlowConfig     = session.FlowConfig
	NetflowConfig  = export.Config
	KafkaConfig    = export.KafkaConfig
	CryptoConfig   = session.CryptoConfig
	CapturedPacket = core.CapturedPacket
	SlotRef        = core.SlotRef
	PacketFlags    = core.PacketFlags
	FlowTuple      = core.FlowTuple
	FlowRecord     = core.FlowRecord
	FlowState      = core.FlowState
	EndReason      = core.EndReason
	CaptureStats   = core.CaptureStats
	SessionState   = core.SessionState
	Status         = session.Status
	Option         = session.Option
)

const (
	FlagTruncated         = core.FlagTruncated
	FlagEncrypted         = core.FlagEncrypted
	FlagHardwareTimestamp = core.FlagHardwareTimestamp
	FlagNotFlowAttributed = core.FlagNotFlowAttributed

	FormatNetflow9 = export.FormatNetflow9
	FormatIPFIX    = export.FormatIPFIX
)

// Errors returned by the API. Compare with errors.Is.
var (
	ErrBufferFull         = core.ErrBufferFull
	ErrInvalidSlot        = core.ErrInvalidSlot
	ErrTableFull          = core.ErrTableFull
	ErrFlowDisabled       = core.ErrFlowDisabled
	ErrBackendUnavailable = core.ErrBackendUnavailable
	ErrInvalidFilter      = core.ErrInvalidFilter
	ErrKeyUnavailable     = core.ErrKeyUnavailable
	ErrDecrypt            = core.ErrDecrypt
	ErrIntegrity          = core.ErrIntegrity
	ErrSessionRunning     = core.ErrSessionRunning
	ErrSessionClosed      = core.ErrSessionClosed
	ErrNotEncrypted       = core.ErrNotEncrypted
	ErrConfigInvalid      = core.ErrConfigInvalid
)

// Session is a capture session.
type Session struct {
	s *session.Session
}

// Init validates cfg, selects and opens a backend and allocates the packet
// ring. The session is created stopped.
func Init(cfg CaptureConfig, opts ...Option) (*Session, error) {
	s, err := session.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Session{s: s}, nil
}

// Start begins capture.
func (s *Session) Start() error { return s.s.Start() }

// Stop halts capture and flushes pending flow records. It is idempotent.
func (s *Session) Stop() error { return s.s.Stop() }

// Poll returns up to maxN captured packets without blocking.
func (s *Session) Poll(maxN int) []CapturedPacket { return s.s.Poll(maxN) }

// Bytes returns the slot bytes of a polled packet. They stay valid until
// the packet is released.
func (s *Session) Bytes(p CapturedPacket) ([]byte, error) { return s.s.Bytes(p) }

// Release hands a polled packet's slot back to the ring.
func (s *Session) Release(p CapturedPacket) error { return s.s.Release(p) }

// Decrypt returns the plaintext of a packet captured with encryption on.
func (s *Session) Decrypt(p CapturedPacket) ([]byte, error) { return s.s.Decrypt(p) }

// FlowEnable turns on flow metering. Only allowed before Start.
func (s *Session) FlowEnable(cfg FlowConfig) error { return s.s.EnableFlow(cfg) }

// FlowLookup returns the live record for a tuple.
func (s *Session) FlowLookup(t FlowTuple) (FlowRecord, bool) {
	rec, ok, err := s.s.FlowLookup(t)
	return rec, ok && err == nil
}

// FlowGetAll returns every live record, or nil when metering is off.
func (s *Session) FlowGetAll() []FlowRecord {
	recs, _ := s.s.FlowGetAll()
	return recs
}

// NetflowEnable exports evicted flows to a collector. Requires FlowEnable.
func (s *Session) NetflowEnable(cfg NetflowConfig) error { return s.s.EnableNetflow(cfg) }

// SetEncryption seals captured packets with AES-256-GCM. A failure leaves
// the session unable to start.
func (s *Session) SetEncryption(cfg CryptoConfig) error { return s.s.SetEncryption(cfg) }

// GetStats returns a snapshot of the session counters.
func (s *Session) GetStats() CaptureStats { return s.s.Stats() }

// Status describes the session.
func (s *Session) Status() Status { return s.s.Status() }

// Cleanup stops the session and releases every resource. Packets obtained
// from Poll must not be used afterwards.
func (s *Session) Cleanup() error { return s.s.Close() }

// VerifyFirmware checks a detached signature over a driver or firmware
// image against the trust anchor named by FLOWCAP_TRUST_ANCHOR, or
// /etc/flowcap/trust.pem.
func VerifyFirmware(path, sigPath string) bool { return integrity.VerifyFirmware(path, sigPath) }
