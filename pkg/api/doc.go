/*
Package api is the HTTP/JSON and WebSocket surface over the operation
facade.

Catalog edits hit the store synchronously and broadcast events. Round
run/rerun/skip, job run-now and exploit container ensure/destroy on
create/update go through the scheduler's command queue and return once
accepted; stopping a job is a direct call that returns when the stop is
done, and the container endpoints call the pool directly. Clients observe progress over the /ws stream, which honors
per-connection event filters and live subscribe/unsubscribe updates.

Client addresses are derived from the comma-separated ip_headers setting,
falling back to the socket peer.
*/
package api
