package survey

import (
	"strconv"
	"strings"
)

// GridLabel identifies one of the four fiducial markers at the corners of the
// surface. The order of AllGridLabels is the fixed correspondence order used by
// the homography estimator: top-left, top-right, bottom-right, bottom-left.
type GridLabel string

const (
	LabelA GridLabel = "A" // top-left
	LabelB GridLabel = "B" // top-right
	LabelC GridLabel = "C" // bottom-right
	LabelD GridLabel = "D" // bottom-left
)

// AllGridLabels lists every known label in correspondence order.
var AllGridLabels = []GridLabel{LabelA, LabelB, LabelC, LabelD}

// Index returns the position of the label in AllGridLabels, or -1.
func (l GridLabel) Index() int {
	for i, known := range AllGridLabels {
		if l == known {
			return i
		}
	}
	return -1
}

// Valid reports whether the label is one of the fixed grid labels.
func (l GridLabel) Valid() bool {
	return l.Index() >= 0
}

// ParseGridLabel resolves a raw decoder payload to a grid label. Payloads are
// accepted as a bare letter ("a", " B "), a "marker-" prefixed letter, or the
// zero-based numeric index ("0".."3").
func ParseGridLabel(payload string) (GridLabel, bool) {
	s := strings.ToUpper(strings.TrimSpace(payload))
	s = strings.TrimPrefix(s, "MARKER-")
	if s == "" {
		return "", false
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(AllGridLabels) {
			return "", false
		}
		return AllGridLabels[n], true
	}
	l := GridLabel(s)
	if !l.Valid() {
		return "", false
	}
	return l, true
}

// SortLabels orders labels by their correspondence index in place.
func SortLabels(labels []GridLabel) {
	for i := 1; i < len(labels); i++ {
		for j := i; j > 0 && labels[j].Index() < labels[j-1].Index(); j-- {
			labels[j], labels[j-1] = labels[j-1], labels[j]
		}
	}
}
