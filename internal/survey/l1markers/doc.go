// Package l1markers owns Layer 1 (Markers) of the surface measurement pipeline.
//
// Responsibilities: resolving decoder payloads to grid labels, deriving marker
// centre and pixel extent, and ageing markers through fresh, stale and evicted.
// Key types: FiducialMarker, Registry, Snapshot.
//
// Dependency rule: L1 depends only on the shared survey package.
package l1markers
