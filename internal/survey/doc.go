// Package survey holds the types shared by every layer of the fiducial-anchored
// surface measurement pipeline: planar points, grid-corner labels and the
// pipeline's log streams.
//
// The pipeline is split into layer packages, leaves first:
//
//	l1markers    fiducial tracker registry (freshness, staleness, eviction)
//	l2align      alignment estimation against the target layout
//	l3homography camera-pixel to surface-millimetre projective transform
//	l4detect     cone detection and tracking in a grayscale frame
//	l5capture    capture-session state machine
//	l6consensus  cross-capture clustering of cone observations
//
// Dependency rule: a layer may depend on lower layers and on this package,
// never on a higher one. pipeline/ is the composition root.
package survey
