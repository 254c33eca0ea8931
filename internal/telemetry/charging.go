package telemetry

import "strings"

var (
	negativeChargingMarkers = []string{"NOT", "DISCONNECT"}
	positiveChargingMarkers = []string{"CHARGING", "CONNECTED"}
)

// ChargingState reads the upstream's free-text charging status. Negative
// markers are checked first because "NOT_CHARGING" and "DISCONNECTED" also
// contain a positive marker. known is false when neither matches.
func ChargingState(status string) (charging bool, known bool) {
	upper := strings.ToUpper(status)
	for _, m := range negativeChargingMarkers {
		if strings.Contains(upper, m) {
			return false, true
		}
	}
	for _, m := range positiveChargingMarkers {
		if strings.Contains(upper, m) {
			return true, true
		}
	}
	return false, false
}
