package connmgr

import (
	"fmt"

	"grimm.is/netconn/internal/errors"
)

// Score parameters.
const (
	// NetValidScore is subtracted from the score of a network that failed
	// validation.
	NetValidScore = 40

	WiFiMinRSSI    = -100
	WiFiMaxRSSI    = -55
	WiFiSignalBars = 5
	WiFiBaseScore  = 40
	WiFiBarScore   = 4
	WiFiMaxScore   = WiFiBaseScore + WiFiSignalBars*WiFiBarScore
)

var baseScores = map[NetType]int{
	NetTypeCellular:  50,
	NetTypeEthernet:  70,
	NetTypeBluetooth: 45,
	NetTypeUSB:       55,
	NetTypeVPN:       80,
}

// signalBars maps rssi onto [0, WiFiSignalBars] linearly between
// WiFiMinRSSI and WiFiMaxRSSI.
func signalBars(rssi int) int {
	switch {
	case rssi <= WiFiMinRSSI:
		return 0
	case rssi >= WiFiMaxRSSI:
		return WiFiSignalBars
	}
	return (rssi - WiFiMinRSSI) * WiFiSignalBars / (WiFiMaxRSSI - WiFiMinRSSI)
}

// ServiceScore returns the base score of a supplier of type t. strength is
// only used for Wi-Fi.
func ServiceScore(t NetType, strength int) (int, error) {
	if t == NetTypeWiFi {
		return min(WiFiBaseScore+signalBars(strength)*WiFiBarScore, WiFiMaxScore), nil
	}
	score, ok := baseScores[t]
	if !ok {
		return 0, fmt.Errorf("%s: %w", t, errors.ErrNoScoreForType)
	}
	return score, nil
}

// RealScore applies the validation penalty.
func RealScore(score int, valid bool) int {
	if valid {
		return score
	}
	return score - NetValidScore
}
