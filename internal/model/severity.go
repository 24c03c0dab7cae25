package model

// NWS alert severities in increasing order of urgency. Unknown sorts
// last when ordering alerts most-severe-first.
var severityOrder = map[string]int{
	"Extreme":  0,
	"Severe":   1,
	"Moderate": 2,
	"Minor":    3,
	"Unknown":  4,
}

var severityColors = map[string]string{
	"Extreme":  "#d32f2f",
	"Severe":   "#f44336",
	"Moderate": "#ff9800",
	"Minor":    "#ffeb3b",
	"Unknown":  "#9e9e9e",
}

// SeverityRank returns the sort rank for an NWS severity string.
// Unrecognized severities rank as Unknown.
func SeverityRank(severity string) int {
	if r, ok := severityOrder[severity]; ok {
		return r
	}
	return severityOrder["Unknown"]
}

// SeverityColor returns the overlay color for an NWS severity string.
func SeverityColor(severity string) string {
	if c, ok := severityColors[severity]; ok {
		return c
	}
	return severityColors["Unknown"]
}
