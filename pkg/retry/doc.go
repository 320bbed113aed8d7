/*
Package retry implements the retry and dead-letter engine.

The engine turns a classified outcome (success, retryable failure, fatal
failure) of a send/deliver/notify attempt into a lifecycle transition of
the referenced record and its RetryReliability row. A separate agent loop
re-evaluates due pending rows: while budget remains it flips the record
back to its pending operation and counts the attempt; once the budget is
exhausted the record is dead-lettered and the row frozen.

The engine is idempotent against terminal records: an outcome arriving for
a Notified or DeadLettered record is a logged no-op, which makes racing
retry ticks and late send responses safe without locks.
*/
package retry
