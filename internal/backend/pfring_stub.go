//go:build !pfring

package backend

import "errors"

type pfringBackend struct{}

// NewPFRing returns the PF_RING backend. This build was made without the
// pfring tag, so it always probes as unavailable.
func NewPFRing() Backend { return pfringBackend{} }

func (pfringBackend) Name() string { return NamePFRing }

func (pfringBackend) Probe(Config) error {
	return errors.New("built without PF_RING support (build tag pfring)")
}

func (b pfringBackend) Open(cfg Config) (Handle, error) {
	return nil, b.Probe(cfg)
}
