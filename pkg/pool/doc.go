/*
Package pool manages the persistent exploit containers and the exec
sessions the scheduler runs inside them.

Containers are long-lived: each one is created from an exploit's image with
its entrypoint pinned to "sleep infinity" and host networking, and serves
many short exec invocations before it is recycled. Recycling is driven by a
per-container counter initialized from the exploit's default_counter: every
finished exec decrements it, and at zero the container is destroyed. This
bounds the damage of leaky exploit processes.

# Assignment

Acquire implements the container-affinity algorithm:

 1. A run that already has a Runner binding reuses its container while it
    is healthy and has budget left.
 2. Otherwise any usable container of the exploit with a free exec slot is
    picked, preferring ones that already host runners of the exploit.
 3. Otherwise a new container is spawned, unless the exploit's
    max_containers cap is reached (0 means unlimited).
 4. Otherwise the caller blocks until an exec slot frees up.

The per-container concurrency cap (max_per_container) is enforced with
in-memory slot accounting; container and runner rows live in the catalog
store so bindings survive restarts.

# Exec pipeline

Execute attaches to an exec session and pumps stdout/stderr through a
shared 256 KiB budget. When the budget is spent the pool stops reading but
lets the process run on; when the wall-clock timeout fires, or the capped
process never exits, the process is SIGKILLed inside the container. The
host PID reported by the engine is translated to the container's namespace
through /proc/<pid>/status NSpid before the kill.

# Health

HealthCheck inspects every supposedly running container, marks dead ones,
spawns replacements for enabled exploits and reattaches their runners.
Start runs it on a ticker.
*/
package pool
