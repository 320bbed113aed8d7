/*
Package pipeline implements the step-pipeline execution model that carries
a message through its processing stages.

A MessagingContext holds at most one of the message shapes (submit
message, AS4 package, deliver envelope, notify envelope) together with the
applicable processing modes and, for received messages, the raw stream.
Steps run strictly in order within one context; a step either continues
the pipeline, fails it, or short-circuits it with success. Parallelism
exists only across independent contexts.
*/
package pipeline
