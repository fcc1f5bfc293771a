// Package pipeline is the composition root of the surface measurement
// pipeline.
//
// It owns one instance of each layer (marker registry, alignment estimator,
// transform tracker, cone detector, capture controller, consensus
// processor) and runs them in order once per frame. None of the layer
// packages import pipeline/.
//
// Frames are processed one at a time. A frame that arrives while another
// is in flight, or sooner than the configured maximum frame rate allows,
// is dropped rather than queued.
package pipeline
