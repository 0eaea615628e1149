// Package api exposes the operational REST surface of the rebalancing
// daemon: pending-transfer inspection, the global pause switch, and the
// Prometheus metrics endpoint.
package api
