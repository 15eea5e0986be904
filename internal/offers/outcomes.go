package offers

import "github.com/signalix/driver/internal/model"

const outcomeMemory = 256

// outcomeLog remembers the terminal outcome of the most recent offers.
// Once an offer has an outcome it never transitions again.
type outcomeLog struct {
	max   int
	order []string
	byID  map[string]model.OfferOutcome
}

func newOutcomeLog(max int) *outcomeLog {
	return &outcomeLog{max: max, byID: make(map[string]model.OfferOutcome, max)}
}

// record stores the outcome unless one is already known, reporting whether it did
func (l *outcomeLog) record(offerID string, o model.OfferOutcome) bool {
	if _, ok := l.byID[offerID]; ok {
		return false
	}
	if len(l.order) == l.max {
		delete(l.byID, l.order[0])
		l.order = l.order[1:]
	}
	l.order = append(l.order, offerID)
	l.byID[offerID] = o
	return true
}

func (l *outcomeLog) get(offerID string) (model.OfferOutcome, bool) {
	o, ok := l.byID[offerID]
	return o, ok
}
