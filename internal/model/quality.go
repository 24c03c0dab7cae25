package model

// Link quality tiers derived from SNR, with the map palette color for
// each tier. Thresholds are exclusive lower bounds checked top-down.
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityMarginal  = "marginal"
	QualityPoor      = "poor"
	QualityBad       = "bad"
	QualityUnknown   = "unknown"
)

var qualityColors = map[string]string{
	QualityExcellent: "#4caf50",
	QualityGood:      "#8bc34a",
	QualityMarginal:  "#ffeb3b",
	QualityPoor:      "#ff9800",
	QualityBad:       "#f44336",
	QualityUnknown:   "#9e9e9e",
}

// ClassifySNR maps an SNR reading in dB to a quality tier. A nil
// reading means the link has never reported SNR.
func ClassifySNR(snr *float64) string {
	if snr == nil {
		return QualityUnknown
	}
	switch {
	case *snr > 8:
		return QualityExcellent
	case *snr > 5:
		return QualityGood
	case *snr > 0:
		return QualityMarginal
	case *snr > -10:
		return QualityPoor
	default:
		return QualityBad
	}
}

// QualityColor returns the palette color for a quality tier.
func QualityColor(quality string) string {
	if c, ok := qualityColors[quality]; ok {
		return c
	}
	return qualityColors[QualityUnknown]
}

// NetworkColors is the per-network marker palette, shared with the
// frontend legend.
var NetworkColors = map[string]string{
	"meshtastic": "#66bb6a",
	"reticulum":  "#ab47bc",
	"aredn":      "#ff7043",
	"hamclock":   "#42a5f5",
}
