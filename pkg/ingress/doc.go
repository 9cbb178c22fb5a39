// Package ingress manages the forwarding rules that map public hostnames
// on the device's edge tunnel to local or containerized services: rule
// validation, destination resolution (literal URL or managed-container
// reference), cloudflared config file generation, DNS route registration,
// and service reload. The container-expose variant derives rules from a
// device id and a short port list instead of caller-supplied hostnames.
package ingress
