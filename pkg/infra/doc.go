// Package infra provisions LXC-style containers on a token-authenticated
// hypervisor: bridge/NAT/DHCP network setup, next-id allocation, storage
// and template selection, RAM/CPU budget checks against already-running
// managed containers, and an in-container bootstrap step runner with
// substring-classified retries.
package infra
