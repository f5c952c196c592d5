package agent

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrInvalidID     = errors.New("invalid agent ID")
	ErrInvalidRecord = errors.New("invalid registration record")
)

// DefaultHeartbeatSeconds is the heartbeat interval assigned to registrations
// that do not specify one.
const DefaultHeartbeatSeconds = 30

// Status represents an agent's lifecycle state in the registry.
type Status string

const (
	StatusRegistered   Status = "registered"
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusFailed       Status = "failed"
	StatusDeregistered Status = "deregistered"
	StatusMaintenance  Status = "maintenance"
	StatusScaling      Status = "scaling"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Live reports whether a registration with this status counts against the
// one-live-registration-per-id invariant.
func (s Status) Live() bool {
	return s != StatusDeregistered && s != ""
}

// HealthLevel is the derived health signal, distinct from lifecycle Status.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
	HealthUnknown  HealthLevel = "unknown"
)

// String returns the string representation of the health level.
func (h HealthLevel) String() string {
	return string(h)
}

// RunState is the run-state a live worker process reports about itself.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateStopped RunState = "stopped"
	RunStateError   RunState = "error"
)

// StatusForRunState maps a worker's reported run-state to a registry status.
// This is the single place that mapping lives.
func StatusForRunState(rs RunState) (Status, bool) {
	switch rs {
	case RunStateRunning:
		return StatusActive, true
	case RunStateStopped:
		return StatusInactive, true
	case RunStateError:
		return StatusFailed, true
	default:
		return "", false
	}
}

// Metrics holds the performance counters an agent reports with heartbeats.
type Metrics struct {
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	TaskCount       int64     `json:"task_count"`
	SuccessRate     float64   `json:"success_rate"`
	AvgResponseTime float64   `json:"avg_response_time"`
	ErrorCount      int64     `json:"error_count"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Registration is the record the registry keeps for one agent.
type Registration struct {
	AgentID string `json:"agent_id"`
	Status  Status `json:"status"`

	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags"`

	RegisteredAt     time.Time  `json:"registered_at"`
	LastHeartbeat    *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatSeconds int        `json:"heartbeat_interval"`

	Metrics Metrics     `json:"metrics"`
	Health  HealthLevel `json:"health_level"`

	Version  string            `json:"version,omitempty"`
	Host     string            `json:"host,omitempty"`
	Port     int               `json:"port,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks that the record is usable by the registry.
func (r *Registration) Validate() error {
	if r.AgentID == "" {
		return ErrInvalidID
	}
	if r.HeartbeatSeconds < 0 {
		return ErrInvalidRecord
	}
	return nil
}

// HeartbeatInterval returns the heartbeat interval as a duration, applying
// the default when the record does not carry one.
func (r *Registration) HeartbeatInterval() time.Duration {
	secs := r.HeartbeatSeconds
	if secs <= 0 {
		secs = DefaultHeartbeatSeconds
	}
	return time.Duration(secs) * time.Second
}

// IsHealthy reports whether the last heartbeat is recent enough: within
// HeartbeatInterval × graceMultiplier of now. A record that never sent a
// heartbeat is never healthy.
func (r *Registration) IsHealthy(now time.Time, graceMultiplier float64) bool {
	if r.LastHeartbeat == nil {
		return false
	}
	if graceMultiplier <= 0 {
		graceMultiplier = 1
	}
	window := time.Duration(float64(r.HeartbeatInterval()) * graceMultiplier)
	return now.Sub(*r.LastHeartbeat) <= window
}

// HasCapability checks if the registration advertises a capability.
func (r *Registration) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasTag checks if the registration carries a tag.
func (r *Registration) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone creates a deep copy of the registration.
func (r *Registration) Clone() *Registration {
	clone := *r

	if r.Capabilities != nil {
		clone.Capabilities = make([]string, len(r.Capabilities))
		copy(clone.Capabilities, r.Capabilities)
	}
	if r.Tags != nil {
		clone.Tags = make([]string, len(r.Tags))
		copy(clone.Tags, r.Tags)
	}
	if r.LastHeartbeat != nil {
		hb := *r.LastHeartbeat
		clone.LastHeartbeat = &hb
	}
	if r.Metadata != nil {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

// Criteria specifies a multi-criteria agent query. Zero-value fields are not
// applied; all listed capabilities and tags must be present.
type Criteria struct {
	Capabilities []string
	Tags         []string
	Status       Status
	Health       HealthLevel

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Empty reports whether no criteria are set (Limit aside).
func (c Criteria) Empty() bool {
	return len(c.Capabilities) == 0 && len(c.Tags) == 0 && c.Status == "" && c.Health == ""
}

// Matches checks a registration against the criteria, ignoring Limit.
func (c Criteria) Matches(r *Registration) bool {
	for _, cap := range c.Capabilities {
		if !r.HasCapability(cap) {
			return false
		}
	}
	for _, tag := range c.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	if c.Status != "" && r.Status != c.Status {
		return false
	}
	if c.Health != "" && r.Health != c.Health {
		return false
	}
	return true
}
