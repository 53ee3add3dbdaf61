package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"firestige.xyz/flowcap/internal/core"
)

// Registry maps names to backends. A registry is built per session and not
// modified after construction.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry registers bs under their names.
func NewRegistry(bs ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(bs))}
	for _, b := range bs {
		r.backends[b.Name()] = b
	}
	return r
}

// DefaultRegistry holds every built-in backend. pmd may be nil, in which
// case the dpdk backend probes as unavailable.
func DefaultRegistry(pmd PollModeDriver) *Registry {
	return NewRegistry(
		NewDPDK(pmd),
		NewXDP(),
		NewPFRing(),
		NewAFPacket(),
		NewLibpcap(),
	)
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Names returns registered names in probe order, then any others sorted.
func (r *Registry) Names() []string {
	var names, extra []string
	for _, n := range ProbeOrder {
		if _, ok := r.backends[n]; ok {
			names = append(names, n)
		}
	}
	for n := range r.backends {
		if !slices.Contains(ProbeOrder, n) {
			extra = append(extra, n)
		}
	}
	slices.Sort(extra)
	return append(names, extra...)
}

// Gate runs before a backend is opened; a non-nil error vetoes it.
// Sessions use it to verify driver images.
type Gate func(backend string) error

// Select opens the backend named by want. "" and "auto" walk the probe
// order and return the first backend that probes, passes the gate and
// opens. An explicit name is honoured or rejected, never substituted.
// Failures wrap core.ErrBackendUnavailable.
func (r *Registry) Select(want string, cfg Config, gate Gate) (Handle, string, error) {
	if want != "" && want != Auto {
		b, ok := r.backends[want]
		if !ok {
			return nil, "", fmt.Errorf("backend %q: %w: not registered", want, core.ErrBackendUnavailable)
		}
		h, err := r.try(b, cfg, gate)
		if err != nil {
			return nil, "", err
		}
		return h, want, nil
	}

	var errs []error
	for _, name := range r.Names() {
		h, err := r.try(r.backends[name], cfg, gate)
		if err != nil {
			slog.Debug("capture backend skipped", "backend", name, "interface", cfg.Interface, "reason", err)
			errs = append(errs, err)
			continue
		}
		return h, name, nil
	}
	return nil, "", fmt.Errorf("no capture backend for %q: %w", cfg.Interface,
		errors.Join(append([]error{core.ErrBackendUnavailable}, errs...)...))
}

func (r *Registry) try(b Backend, cfg Config, gate Gate) (Handle, error) {
	name := b.Name()
	if err := b.Probe(cfg); err != nil {
		return nil, fmt.Errorf("backend %s: %w: %v", name, core.ErrBackendUnavailable, err)
	}
	if gate != nil {
		if err := gate(name); err != nil {
			slog.Warn("capture backend rejected", "backend", name, "error", err)
			return nil, fmt.Errorf("backend %s: %w: %w", name, core.ErrBackendUnavailable, err)
		}
	}

	h, err := b.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w: %v", name, core.ErrBackendUnavailable, err)
	}
	if !h.KernelFilter() {
		if err := cfg.Filter.Userspace(); err != nil {
			h.Close()
			return nil, fmt.Errorf("backend %s: %w: %w", name, core.ErrBackendUnavailable, err)
		}
	}
	return h, nil
}
