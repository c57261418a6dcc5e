/*
Package events provides an in-memory broker for desired-state change events.

The API layer publishes an event whenever a deployment is created, updated,
or deleted; the stream server subscribes on behalf of each connected runner
and forwards matching events over the runner's websocket. Delivery is best
effort: a slow subscriber drops events rather than blocking publishers,
which runners tolerate because every reconnect and periodic sweep
re-reconciles the full desired state.
*/
package events
