package port

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/excport/internal/mach"
)

var ErrReleased = errors.New("port: endpoint released")

// Endpoint owns a receive right in the calling task's space and, once
// inserted, one send right under the same name. It is released exactly once.
type Endpoint struct {
	mu       sync.Mutex
	space    mach.PortSpace
	name     mach.Name
	send     bool
	released bool
}

// Allocate allocates a fresh receive right.
func Allocate(space mach.PortSpace) (*Endpoint, error) {
	name, code := space.AllocateReceive()
	if err := mach.CheckKern("mach_port_allocate", code); err != nil {
		return nil, err
	}
	log.Debug().Uint32("name", uint32(name)).Msg("port.Allocate")
	return &Endpoint{space: space, name: name}, nil
}

// Name returns the port name, or PortNull after release.
func (e *Endpoint) Name() mach.Name {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return mach.PortNull
	}
	return e.name
}

func (e *Endpoint) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// HasSendRight reports whether InsertSendRight succeeded.
func (e *Endpoint) HasSendRight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.send && !e.released
}

// InsertSendRight makes a send right from the receive right under the same name.
func (e *Endpoint) InsertSendRight() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	if e.send {
		return nil
	}
	code := e.space.InsertRight(e.name, e.name, mach.DispMakeSend)
	if err := mach.CheckKern("mach_port_insert_right", code); err != nil {
		return err
	}
	e.send = true
	return nil
}

// Take transfers ownership to a new Endpoint. The receiver is left released
// without touching the kernel.
func (e *Endpoint) Take() (*Endpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, ErrReleased
	}
	moved := &Endpoint{space: e.space, name: e.name, send: e.send}
	e.released = true
	return moved, nil
}

// Release drops the send right and destroys the receive right. Later calls
// are no-ops. Kernel failures are reported but the endpoint stays released.
func (e *Endpoint) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil
	}
	e.released = true

	var errs []error
	if e.send {
		if err := mach.CheckKern("mach_port_deallocate", e.space.Deallocate(e.name)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := mach.CheckKern("mach_port_mod_refs", e.space.ModRefs(e.name, mach.RightReceive, -1)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		log.Error().Uint32("name", uint32(e.name)).Err(errors.Join(errs...)).Msg("port.Endpoint.Release")
		return fmt.Errorf("port: release %d: %w", e.name, errors.Join(errs...))
	}
	log.Debug().Uint32("name", uint32(e.name)).Msg("port.Endpoint.Release")
	return nil
}
