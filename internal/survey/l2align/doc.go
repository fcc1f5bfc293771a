// Package l2align owns Layer 2 (Alignment) of the surface measurement pipeline.
//
// Responsibilities: comparing the registry's fresh markers against the target
// on-screen layout and reporting translation, rotation and scale error plus
// the missing and stale marker sets. The aligned flag is a conjunctive gate.
//
// Dependency rule: L2 may depend on L1 and the shared survey package.
package l2align
