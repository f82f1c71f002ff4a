package rollback

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rafaeljc/bifrost/internal/errs"
)

type flagVersions struct {
	list   []string
	active string
}

// versionRegistry holds the registered versions of each flag and which one is
// active. Registering never activates; only a rollback does.
type versionRegistry struct {
	mu    sync.RWMutex
	flags map[string]*flagVersions
}

func newVersionRegistry() *versionRegistry {
	return &versionRegistry{flags: make(map[string]*flagVersions)}
}

func (v *versionRegistry) register(flagName, version string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	fv, ok := v.flags[flagName]
	if !ok {
		fv = &flagVersions{}
		v.flags[flagName] = fv
	}
	if slices.Contains(fv.list, version) {
		return fmt.Errorf("%w: version %q already registered for flag %q", errs.ErrConflict, version, flagName)
	}
	fv.list = append(fv.list, version)
	return nil
}

func (v *versionRegistry) has(flagName, version string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	fv, ok := v.flags[flagName]
	return ok && slices.Contains(fv.list, version)
}

func (v *versionRegistry) activate(flagName, version string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	fv, ok := v.flags[flagName]
	if !ok || !slices.Contains(fv.list, version) {
		return fmt.Errorf("%w: version %q of flag %q", errs.ErrNotFound, version, flagName)
	}
	fv.active = version
	return nil
}

func (v *versionRegistry) versions(flagName string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if fv, ok := v.flags[flagName]; ok {
		return slices.Clone(fv.list)
	}
	return nil
}

func (v *versionRegistry) activeVersion(flagName string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	fv, ok := v.flags[flagName]
	if !ok || fv.active == "" {
		return "", false
	}
	return fv.active, true
}
