// Package l4detect owns Layer 4 (Detection) of the surface measurement
// pipeline.
//
// Responsibilities: finding cone tops in a frame by edge-based circle
// scoring (grayscale, Gaussian blur, Sobel edge mask, radial sampling,
// overlap suppression), tracking them across frames under stable IDs, and
// projecting their centres onto the surface when a transform is available.
// Eviction of stale objects is an explicit step.
// Key types: DetectedObject, Candidate, Detector.
//
// Dependency rule: L4 may depend on L1-L3 and the shared survey package.
package l4detect
