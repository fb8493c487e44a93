package object

import (
	"fmt"
	"sync"
)

// Record is implemented by every type in the reflective object model. It is
// the Go analogue of the source's ObjTrav base class: a named, traversable,
// by-name-creatable record.
type Record interface {
	// TypeName returns the name this type is registered and addressed by on
	// the wire (the "objName" of the source model).
	TypeName() string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Record{}
)

// Register installs a zero-value factory for a Record type under name. It
// is meant to be called from an init() function, mirroring the source's
// static ObjRegister instances.
//
// Register panics on a duplicate name: that indicates two packages trying
// to own the same wire type, a programming error that should fail fast at
// startup rather than silently shadow one registration with another.
func Register(name string, zero func() Record) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("object: %q already registered", name))
	}
	registry[name] = zero
}

// Create instantiates a fresh zero-value Record for the given registered
// type name, or returns ok=false if name is unknown. This is how the engine
// turns an incoming <MrpcFoo> element name into a concrete Go value before
// decoding into it.
func Create(name string) (Record, bool) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Registered reports whether name has a registered factory, without
// allocating an instance.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}
