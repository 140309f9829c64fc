package registrar

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/port"
)

var (
	ErrResourceExhaustion = errors.New("registrar: resource exhaustion")
	ErrRegistration       = errors.New("registrar: registration failed")
	ErrRestore            = errors.New("registrar: restore failed")
)

// DefaultBehavior is EXCEPTION_DEFAULT | MACH_EXCEPTION_CODES.
const DefaultBehavior = mach.BehaviorDefault | mach.BehaviorMachCodes

// Kernel is the subset of mach.Kernel the registrar drives.
type Kernel interface {
	mach.PortSpace
	mach.ExceptionPorts
}

type Options struct {
	Behavior mach.Behavior
	Flavor   mach.Flavor
}

func DefaultOptions() Options {
	return Options{Behavior: DefaultBehavior, Flavor: mach.ThreadStateNone}
}

// Registration is one installed redirection of target's exception ports to a
// private endpoint, together with the configuration it displaced.
type Registration struct {
	mu       sync.Mutex
	kernel   Kernel
	target   mach.Target
	mask     mach.Mask
	opts     Options
	endpoint *port.Endpoint
	saved    mach.SavedPorts
	restored bool
}

// Install allocates an endpoint and atomically swaps it in for mask on target,
// capturing the prior configuration in the same call. Every failure releases
// what was acquired before it.
func Install(k Kernel, target mach.Target, mask mach.Mask, opts Options) (*Registration, error) {
	if err := mask.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%w: invalid target %s", ErrRegistration, target)
	}
	if opts.Behavior == 0 {
		opts.Behavior = DefaultBehavior
	}
	if opts.Flavor == 0 {
		opts.Flavor = mach.ThreadStateNone
	}

	ep, err := port.Allocate(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceExhaustion, err)
	}
	if err := ep.InsertSendRight(); err != nil {
		releaseQuiet(ep)
		return nil, fmt.Errorf("%w: %w", ErrResourceExhaustion, err)
	}

	r := &Registration{kernel: k, target: target, mask: mask, opts: opts, endpoint: ep}
	r.saved.Reset()
	code := k.SwapExceptionPorts(target, mask, ep.Name(), opts.Behavior, opts.Flavor, &r.saved)
	if err := mach.CheckKern("swap_exception_ports", code); err != nil {
		releaseQuiet(ep)
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	if r.saved.Count <= 0 || r.saved.Count > mach.ExcTypesCount {
		count := r.saved.Count
		r.rollback()
		return nil, fmt.Errorf("%w: swap returned count %d (capacity %d)", ErrRegistration, count, mach.ExcTypesCount)
	}

	log.Info().
		Str("target", target.String()).
		Str("mask", mask.String()).
		Uint32("endpoint", uint32(ep.Name())).
		Int("saved", r.saved.Count).
		Msg("registrar.Install")
	return r, nil
}

// rollback undoes an install whose swap output cannot be trusted. Rows that
// fit the capacity are swapped back; with none, the mask is reset to null.
func (r *Registration) rollback() {
	count := min(max(r.saved.Count, 0), mach.ExcTypesCount)
	restored := false
	for i := 0; i < count; i++ {
		if r.saved.Masks[i] == 0 {
			continue
		}
		var scratch mach.SavedPorts
		scratch.Reset()
		code := r.kernel.SwapExceptionPorts(r.target, r.saved.Masks[i], r.saved.Ports[i], r.saved.Behaviors[i], r.saved.Flavors[i], &scratch)
		if code == mach.KernSuccess {
			restored = true
			r.dropSaved(&scratch)
		}
	}
	if !restored {
		var scratch mach.SavedPorts
		scratch.Reset()
		if code := r.kernel.SwapExceptionPorts(r.target, r.mask, mach.PortNull, 0, 0, &scratch); code == mach.KernSuccess {
			r.dropSaved(&scratch)
		}
	}
	for i := 0; i < count; i++ {
		if r.saved.Ports[i] != mach.PortNull {
			r.kernel.Deallocate(r.saved.Ports[i])
		}
	}
	releaseQuiet(r.endpoint)
	r.restored = true
	log.Warn().Str("target", r.target.String()).Int("count", r.saved.Count).Msg("registrar.Install rollback")
}

// dropSaved deallocates the send rights a swap or get copied out.
func (r *Registration) dropSaved(s *mach.SavedPorts) error {
	var errs []error
	for _, entry := range s.Entries() {
		if entry.Port == mach.PortNull {
			continue
		}
		if err := mach.CheckKern("mach_port_deallocate", r.kernel.Deallocate(entry.Port)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore swaps every saved subset back, drops the saved send rights and
// releases the endpoint. It runs once; later calls return nil. The endpoint
// is released even when a swap fails.
func (r *Registration) Restore() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.restored {
		return nil
	}
	r.restored = true

	var errs []error
	for _, entry := range r.saved.Entries() {
		var scratch mach.SavedPorts
		scratch.Reset()
		code := r.kernel.SwapExceptionPorts(r.target, entry.Mask, entry.Port, entry.Behavior, entry.Flavor, &scratch)
		if err := mach.CheckKern("swap_exception_ports", code); err != nil {
			errs = append(errs, fmt.Errorf("mask %s: %w", entry.Mask, err))
			continue
		}
		if err := r.dropSaved(&scratch); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.dropSaved(&r.saved); err != nil {
		errs = append(errs, err)
	}
	if err := r.endpoint.Release(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.Error().Err(err).Str("target", r.target.String()).Str("mask", r.mask.String()).Msg("registrar.Registration.Restore")
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}
	log.Info().Str("target", r.target.String()).Str("mask", r.mask.String()).Msg("registrar.Registration.Restore")
	return nil
}

func (r *Registration) Endpoint() *port.Endpoint {
	return r.endpoint
}

func (r *Registration) Target() mach.Target {
	return r.target
}

func (r *Registration) Mask() mach.Mask {
	return r.mask
}

// Saved returns a copy of the displaced configuration.
func (r *Registration) Saved() mach.SavedPorts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}

func (r *Registration) Restored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restored
}

// Snapshot reads the current configuration for mask on target. The send
// rights the query copies out are dropped again; the names stay comparable.
func Snapshot(k Kernel, target mach.Target, mask mach.Mask) (mach.SavedPorts, error) {
	var saved mach.SavedPorts
	saved.Reset()
	if err := mach.CheckKern("get_exception_ports", k.GetExceptionPorts(target, mask, &saved)); err != nil {
		return mach.SavedPorts{}, err
	}
	for _, entry := range saved.Entries() {
		if entry.Port != mach.PortNull {
			k.Deallocate(entry.Port)
		}
	}
	return saved, nil
}

func releaseQuiet(ep *port.Endpoint) {
	if err := ep.Release(); err != nil {
		log.Warn().Err(err).Msg("registrar.release")
	}
}
