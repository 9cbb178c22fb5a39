// Package exposure generates a container's exposure table (the set of
// (port, hostname, url) triples a forwarding configuration publishes for
// it) in every representation a process inside the container might read
// it from, and pushes them in: env-file generation plus injection at
// container start, combined with a write-config-then-push-into-container
// delivery shape.
package exposure
