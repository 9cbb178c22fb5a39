// Package tunnel ensures a named Cloudflare-style edge tunnel exists:
// installing the edge CLI, driving its interactive login under a PTY,
// creating/finding the tunnel, obtaining credentials, and installing it
// as a supervised service under either systemd or OpenRC.
package tunnel
