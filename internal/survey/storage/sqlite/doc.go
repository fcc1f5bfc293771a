// Package sqlite persists completed consensus runs for later export and
// comparison.
//
// It is an adapter for the consumers of measurement results: the layer
// packages never import it and no capture session state is persisted. The
// schema is versioned with golang-migrate; migrations are embedded.
package sqlite
