package analyzer

import (
	"github.com/bdougie/argus/internal/activity"
	"github.com/bdougie/argus/internal/violations"
)

// Worker is the derived state of one logical worker identity.
type Worker struct {
	ID         int
	History    *activity.History
	Violations *violations.State
	Activity   string
	Zone       string
}

func newWorker(id, historySize int) *Worker {
	return &Worker{
		ID:         id,
		History:    activity.NewHistory(historySize),
		Violations: violations.NewState(),
		Activity:   activity.Analyzing,
	}
}
