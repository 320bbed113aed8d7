/*
Package message implements the ebMS3 message model used by the message
service handler: user messages, signal messages (receipts, errors, pull
requests), attachments, and the SOAP envelope projection.

Message units are identified solely by their ebMS MessageId; two units with
the same MessageId are considered the same message regardless of any other
field. Construction fails when the MessageId is empty or when an explicit
RefToMessageId is the empty string.
*/
package message
