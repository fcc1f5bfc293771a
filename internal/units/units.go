// Package units provides shared constants and conversion for length units.
// The pipeline works in millimetres; reports may present other units.
package units

import "strings"

// Unit constants
const (
	MM = "mm"
	CM = "cm"
	IN = "in"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MM, CM, IN}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertLength converts a length from millimetres to the target units.
// Unknown units leave the value in millimetres.
func ConvertLength(lengthMM float64, targetUnits string) float64 {
	switch targetUnits {
	case CM:
		return lengthMM / 10
	case IN:
		return lengthMM / 25.4
	default:
		return lengthMM
	}
}
