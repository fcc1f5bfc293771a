// Package l6consensus owns Layer 6 (Consensus) of the surface measurement
// pipeline.
//
// Responsibilities: reconciling the cone observations frozen across a
// completed session's captures into clustered surface positions with a
// confidence and positional variance each, rejecting unsupported
// observations as outliers, and scoring the session overall.
// Key types: Processor, ClusteredObservation, Result, QualityMetrics.
//
// Clustering is a single deterministic greedy pass. There is no iterative
// refinement.
//
// Dependency rule: L6 may depend on L1-L5 and the shared survey package.
package l6consensus
