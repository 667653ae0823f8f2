package workflow

import (
	"github.com/mirror-protocol/mirrorx/app/reconciler/activity"
)

// Context holds dependencies for reconciliation workflows.
type Context struct {
	ActivityContext *activity.Context
}
