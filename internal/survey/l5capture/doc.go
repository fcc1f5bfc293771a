// Package l5capture owns Layer 5 (Capture) of the surface measurement
// pipeline.
//
// Responsibilities: the NotStarted, Active, Complete session state machine,
// the conjunctive capture gate (alignment quality, capture spacing, camera
// movement) and freezing observations into priority-ordered capture slots.
// Key types: Controller, ScanSession, CapturePosition, Decision.
//
// Dependency rule: L5 may depend on L1-L4 and the shared survey package.
package l5capture
