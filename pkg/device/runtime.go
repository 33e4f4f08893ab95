package device

import (
	"fmt"
	"sync"

	"github.com/apollo/wasmbed/pkg/protocol"
)

// FakeRuntime tracks deployed modules in memory. The simulator and tests use
// it in place of a real WASM interpreter.
type FakeRuntime struct {
	mu   sync.Mutex
	apps map[string]FakeApp

	// DeployErr, when set, is consulted before accepting a deploy. It lets
	// the simulator inject per-application failures.
	DeployErr func(appID string) error
}

// FakeApp is one deployed module's record.
type FakeApp struct {
	Name     string
	Bytecode []byte
	Config   *protocol.Config
}

// NewFakeRuntime constructs an empty runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{apps: make(map[string]FakeApp)}
}

// Deploy records the module as running. Redeploying the same app id replaces
// the record, so repeated deploy commands are idempotent.
func (r *FakeRuntime) Deploy(appID, name string, bytecode []byte, cfg *protocol.Config) error {
	if r.DeployErr != nil {
		if err := r.DeployErr(appID); err != nil {
			return err
		}
	}
	if len(bytecode) == 0 {
		return fmt.Errorf("empty bytecode")
	}
	r.mu.Lock()
	r.apps[appID] = FakeApp{Name: name, Bytecode: bytecode, Config: cfg}
	r.mu.Unlock()
	return nil
}

// Stop removes the module. Stopping an unknown app succeeds: the desired
// state is already true.
func (r *FakeRuntime) Stop(appID string) error {
	r.mu.Lock()
	delete(r.apps, appID)
	r.mu.Unlock()
	return nil
}

// Running reports whether the app is currently deployed.
func (r *FakeRuntime) Running(appID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.apps[appID]
	return ok
}

// Apps returns the ids of all deployed modules.
func (r *FakeRuntime) Apps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.apps))
	for id := range r.apps {
		ids = append(ids, id)
	}
	return ids
}
