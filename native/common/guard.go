package common

import (
	"errors"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails when the module, or any of the named actions within it, is
// paused. Actions are addressed as "module.action".
func Guard(p PauseView, module string, actions ...string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	for _, action := range actions {
		if action == "" {
			continue
		}
		if p.IsPaused(module + "." + action) {
			return &pausedError{switchName: module + "." + action}
		}
	}
	return nil
}

type pausedError struct{ switchName string }

func (e *pausedError) Error() string { return ErrModulePaused.Error() + ": " + e.switchName }

func (e *pausedError) Unwrap() error { return ErrModulePaused }

// Pauses is a concurrency-safe set of pause switches.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses returns a switch set with the given names paused.
func NewPauses(names ...string) *Pauses {
	p := &Pauses{paused: make(map[string]bool)}
	for _, name := range names {
		p.Set(name, true)
	}
	return p
}

// Set flips a switch. Names are case-insensitive.
func (p *Pauses) Set(name string, paused bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[key] = true
	} else {
		delete(p.paused, key)
	}
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(name string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[strings.ToLower(name)]
}

// List returns the paused switch names.
func (p *Pauses) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for name := range p.paused {
		out = append(out, name)
	}
	return out
}
