// Package handlers implements the gateway command table:
// one router.AsyncHandler/SyncHandler per command name, each translating
// a decoded CommandFrame into a call against the automation, ingress,
// infra, or tunnel subsystem and shaping the result into the documented
// response event. One file per handler group, named after the
// subsystem it fronts.
package handlers
