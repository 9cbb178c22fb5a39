// Package state implements the agent's atomic JSON snapshot persistence:
// write(tmp) -> fsync -> chmod(tmp) -> rename(tmp, final). Every persisted
// JSON document in this repo
// (tunnel state, forwarding rules, automation state, hypervisor config)
// goes through Save/Load so no file is ever mutated in place. Container
// records are kept in pkg/infra's bbolt store instead.
package state
