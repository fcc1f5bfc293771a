// Package report renders consensus output for people: a unit-converted
// summary, an interactive HTML scatter chart and a static PNG plot.
package report
