package temporal

const DefaultNamespace = "mirrorx"

const QueueReconcile = "reconcile"

// WorkflowIDReconcile is fixed so that at most one reconciliation runs at a time.
const WorkflowIDReconcile = "reconcile"

const (
	ReconcileWorkflowName = "ReconcileWorkflow"
)
