// Package agent defines the shared data model for agentmesh: the registration
// record kept by the registry, the lifecycle status and health level enums,
// query criteria for multi-criteria discovery, and the Instance interface
// through which the registry reaches a live worker process.
//
// # Status vs. health
//
// Status is lifecycle state (Registered, Active, Failed, ...) driven by
// explicit register/heartbeat/deregister calls and by the worker's reported
// run-state. HealthLevel is a derived signal computed from heartbeat recency
// and error/success counters. The two are related but not strictly coupled:
// an Active agent can be Critical, and a Maintenance agent can be Healthy.
package agent
