// Package l3homography owns Layer 3 (Homography) of the surface measurement
// pipeline.
//
// Responsibilities: solving the camera-pixel to surface-millimetre projective
// transform from the four grid-corner marker centres by normalised DLT and
// SVD, projecting points through it, and holding the last valid transform
// between full-marker frames.
// Key types: CoordinateTransform, Estimator, Tracker.
//
// Dependency rule: L3 may depend on L1 and the shared survey package.
package l3homography
