/*
Package entities defines the persisted lifecycle records of the message
service handler and the operation state machine that drives them.

Every accepted or created message is projected onto an InMessage or
OutMessage record; processing failures become InException/OutException
records. Records are mutated exclusively through named transition methods,
and the Notified and DeadLettered operations are terminal: once reached, a
further transition is a no-op reported to the caller, never an overwrite.

RetryReliability rows pair an entity with its retry budget. A row
references exactly one entity and becomes immutable once Completed.
*/
package entities
