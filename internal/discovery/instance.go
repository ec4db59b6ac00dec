// Package discovery implements the gateway's discovery client: querying
// a registry collaborator for healthy instances of a service and
// load-balancing across them. The registry backend itself (consul, etcd,
// kubernetes, ...) is out of scope — the gateway only consumes the
// Registry interface, with an in-memory reference implementation for
// tests and local development.
package discovery

import "time"

// Status is a service instance's health status.
type Status string

const (
	StatusUp            Status = "UP"
	StatusDown          Status = "DOWN"
	StatusStarting      Status = "STARTING"
	StatusOutOfService  Status = "OUT_OF_SERVICE"
)

// ServiceInstance is a discovered backend, provided by the discovery
// collaborator. The gateway treats returned handles as values with
// lifetime at least as long as the call — it never mutates them.
type ServiceInstance struct {
	ID            string
	ServiceName   string
	Host          string
	Port          int
	Protocol      string
	Status        Status
	LastHeartbeat time.Time
	Metadata      map[string]string

	// ActiveRequests supports the least-connections strategy; it is
	// incremented/decremented by the proxy around each call.
	ActiveRequests int64
}

// Version returns the instance's canonical version tag, metadata.version.
func (s ServiceInstance) Version() string {
	return s.Metadata["version"]
}

// Filter restricts discovery results to instances whose status matches
// (defaulting to UP) and whose metadata includes every key/value pair in
// Metadata.
type Filter struct {
	Status   Status
	Metadata map[string]string
}

// Matches reports whether inst satisfies f.
func (f Filter) Matches(inst *ServiceInstance) bool {
	wantStatus := f.Status
	if wantStatus == "" {
		wantStatus = StatusUp
	}
	if inst.Status != wantStatus {
		return false
	}
	for k, v := range f.Metadata {
		if inst.Metadata[k] != v {
			return false
		}
	}
	return true
}
