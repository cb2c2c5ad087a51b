// Package integration contains the marketplace integration bounded context.
//
// Key concepts:
//   - Marketplace: port for reading remote resources by id and by modification time
//   - SyncedResource: the local projection of a remote resource
//   - RecoveryCheckpoint: per (tenant, topic) high-water mark of replayed resources
//   - RecoveryRun: persisted summary of one recovery run
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package integration
