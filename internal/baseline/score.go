package baseline

import (
	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
)

// HighRelevance is the score at or above which a change deserves attention.
const HighRelevance = 60

const (
	scoreAdded          = 70
	scoreAddedUntrusted = 15
	scoreRemoved        = 40
	scoreTrustDowngrade = 80
	scoreTrustUpgrade   = 30
	scorePerExtraField  = 5
	maxRelevance        = 100
)

// fieldWeights is the relevance of a single differing field.
var fieldWeights = map[string]int{
	diff.FieldExecutablePath:   75,
	diff.FieldProgramArguments: 65,
	diff.FieldIsEnabled:        60,
	diff.FieldIsLoaded:         50,
	diff.FieldRunAtLoad:        45,
	diff.FieldKeepAlive:        45,
	diff.FieldBundleIdentifier: 40,
	diff.FieldWorkingDirectory: 30,
	diff.FieldVersion:          20,
	diff.FieldBinaryModifiedAt: 15,
	diff.FieldPlistModifiedAt:  10,
}

// Score returns the relevance, 0-100, of one change. it is the current item
// for additions and modifications and the last known item for removals.
func Score(ct diff.ChangeType, it item.PersistenceItem, details []diff.ChangeDetail) int {
	switch ct {
	case diff.ChangeAdded:
		s := scoreAdded
		if it.TrustLevel <= item.TrustSuspicious {
			s += scoreAddedUntrusted
		}
		return s
	case diff.ChangeRemoved:
		return scoreRemoved
	}

	best := 0
	for _, d := range details {
		w := fieldWeights[d.Field]
		if d.Field == diff.FieldTrustLevel {
			w = trustWeight(d)
		}
		best = max(best, w)
	}
	if len(details) > 1 {
		best += scorePerExtraField * (len(details) - 1)
	}
	return min(best, maxRelevance)
}

func trustWeight(d diff.ChangeDetail) int {
	from, err1 := item.ParseTrustLevel(d.OldValue)
	to, err2 := item.ParseTrustLevel(d.NewValue)
	if err1 != nil || err2 != nil || to < from {
		return scoreTrustDowngrade
	}
	return scoreTrustUpgrade
}
