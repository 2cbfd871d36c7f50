package state

import "github.com/rendis/agentscript/pkg/schema"

// validTransitions lists the allowed execution status changes.
var validTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending: {
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusCancelled,
	},
	schema.WorkflowStatusRunning: {
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
		schema.WorkflowStatusTimedOut,
	},
}

func isValidTransition(from, to schema.WorkflowStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// eventForStatus maps a status to the stream event announcing it.
func eventForStatus(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	case schema.WorkflowStatusTimedOut:
		return schema.EventWorkflowTimedOut
	default:
		return ""
	}
}
