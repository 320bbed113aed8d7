package entities

import "fmt"

// Operation is the lifecycle position of a message or exception record.
// Agents poll for the ToBe* operations and drive records towards a
// terminal state.
type Operation string

const (
	OperationUndetermined   Operation = "Undetermined"
	OperationNotApplicable  Operation = "NotApplicable"
	OperationToBeProcessed  Operation = "ToBeProcessed"
	OperationToBeSent       Operation = "ToBeSent"
	OperationSent           Operation = "Sent"
	OperationToBeDelivered  Operation = "ToBeDelivered"
	OperationDelivered      Operation = "Delivered"
	OperationToBeNotified   Operation = "ToBeNotified"
	OperationNotified       Operation = "Notified"
	OperationToBeForwarded  Operation = "ToBeForwarded"
	OperationForwarded      Operation = "Forwarded"
	OperationToBePiggyBacked Operation = "ToBePiggyBacked"
	OperationToBeRetried    Operation = "ToBeRetried"
	OperationDeadLettered   Operation = "DeadLettered"
)

// ParseOperation validates a stored operation value.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OperationUndetermined, OperationNotApplicable, OperationToBeProcessed,
		OperationToBeSent, OperationSent, OperationToBeDelivered,
		OperationDelivered, OperationToBeNotified, OperationNotified,
		OperationToBeForwarded, OperationForwarded, OperationToBePiggyBacked,
		OperationToBeRetried, OperationDeadLettered:
		return op, nil
	default:
		return OperationUndetermined, fmt.Errorf("unknown operation %q", s)
	}
}

// IsTerminal reports whether no component may overwrite the operation.
// Notified and DeadLettered are the write-once end states; Sent, Delivered
// and Forwarded may still be followed by notification.
func (o Operation) IsTerminal() bool {
	return o == OperationNotified || o == OperationDeadLettered
}

// Activity names a unit of work an entity can be retried for.
type Activity string

const (
	ActivitySend         Activity = "Send"
	ActivityDelivery     Activity = "Delivery"
	ActivityNotification Activity = "Notification"
	ActivityForward      Activity = "Forward"
	ActivityPiggyBack    Activity = "PiggyBack"
)

// Pending returns the ToBe* operation a retried entity flips back to when
// the activity is re-attempted.
func (a Activity) Pending() Operation {
	switch a {
	case ActivitySend:
		return OperationToBeSent
	case ActivityDelivery:
		return OperationToBeDelivered
	case ActivityNotification:
		return OperationToBeNotified
	case ActivityForward:
		return OperationToBeForwarded
	case ActivityPiggyBack:
		return OperationToBePiggyBacked
	default:
		return OperationUndetermined
	}
}

// Completed returns the success operation of the activity.
func (a Activity) Completed() Operation {
	switch a {
	case ActivitySend:
		return OperationSent
	case ActivityDelivery:
		return OperationDelivered
	case ActivityNotification:
		return OperationNotified
	case ActivityForward:
		return OperationForwarded
	case ActivityPiggyBack:
		// A piggybacked signal rides along with a pull request; its own
		// completion is the send of the carrying response.
		return OperationSent
	default:
		return OperationUndetermined
	}
}
