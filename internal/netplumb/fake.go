package netplumb

import "sync"

// Fake is an in-memory Plumber used by pipeline tests so they do not
// require root or a real network namespace.
type Fake struct {
	mu       sync.Mutex
	taps     map[string]bool
	attached map[string]string
	bridges  map[string]bool
}

// NewFake returns an empty Fake Plumber.
func NewFake() *Fake {
	return &Fake{
		taps:     make(map[string]bool),
		attached: make(map[string]string),
		bridges:  make(map[string]bool),
	}
}

func (f *Fake) TapCreate(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taps[name] = true
	return nil
}

func (f *Fake) TapRemove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.taps, name)
	delete(f.attached, name)
}

func (f *Fake) BridgeAttach(tap, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[tap] = bridge
	return nil
}

func (f *Fake) BridgeEnsure(bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges[bridge] = true
	return nil
}

// TapExists reports whether TapCreate has been called for name without
// a matching TapRemove — used by tests to assert cleanup ran.
func (f *Fake) TapExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taps[name]
}
