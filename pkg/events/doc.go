/*
Package events provides the broadcast bus that streams state transitions
to WebSocket subscribers.

Every message is a typed envelope {type, data}. Subscribers may filter by
category, where the category of an event type is everything before its
last underscore ("exploit_run_created" belongs to "exploit_run"), and a
filter entry also matches deeper categories it prefixes ("exploit" matches
both "exploit_created" and "exploit_run_created").

Publish never blocks the sender: each subscriber owns a buffered channel,
and one that falls behind has messages dropped and a lagged signal raised
instead of stalling the scheduler. Lagged subscribers stay subscribed and
resume from current.

Job events are published through PublishJob, which strips stdout/stderr so
large exec logs never transit the bus.
*/
package events
