package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceStatus Resource = "status"
	ResourceLock   Resource = "lock"
)

// ClientKey constructs a fully qualified Redis key for a client resource.
// Format: settingsforge:{resource}:{name}:{instance}
// An empty instance is stored as "_" so the default registration has a key.
func ClientKey(resource Resource, name, instance string) string {
	if instance == "" {
		instance = "_"
	}
	return fmt.Sprintf("settingsforge:%s:%s:%s", resource, name, instance)
}

// ResourcePattern matches every key of a resource.
// Format: settingsforge:{resource}:*
func ResourcePattern(resource Resource) string {
	return fmt.Sprintf("settingsforge:%s:*", resource)
}

// LockKey names a coordination lock.
func LockKey(name string) string {
	return fmt.Sprintf("settingsforge:%s:%s", ResourceLock, name)
}

// identity is the in-process map key for a (name, instance) pair.
func identity(name, instance string) string {
	return name + "\x00" + instance
}
