package netsync

import "time"

// Quality is an advisory classification of how recently a remote
// participant was heard from. It never evicts anyone.
type Quality string

const (
	QualityGood Quality = "good"
	QualityPoor Quality = "poor"
	QualityLost Quality = "lost"
)

// Classify maps the time since the last inbound update to a Quality.
func Classify(since time.Duration, poorAfter, lostAfter time.Duration) Quality {
	switch {
	case since < poorAfter:
		return QualityGood
	case since <= lostAfter:
		return QualityPoor
	default:
		return QualityLost
	}
}
