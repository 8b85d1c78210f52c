// Package api exposes servctl servers to clients.
//
// Every operation is an MCP tool served over streamable HTTP (or SSE):
//
//   - server_list, server_status
//   - server_start, server_stop, server_restart
//   - server_publish, server_unpublished, server_tasks
//   - server_set_attribute
//   - module_restart
//
// Lifecycle tools return once the request was handed to the server unless
// wait is set, in which case they block until the target state is reached or
// the timeout expires. The same router serves /healthz and, when metrics are
// enabled, /metrics for Prometheus.
package api
