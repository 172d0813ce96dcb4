// Package api provides the HTTP API and WebSocket event stream for avlinkd.
//
// Routes (all under /api/v1 except /metrics):
//
//	GET  /health                      liveness, version, device summary (no auth)
//	GET  /devices                     list devices with state and stats
//	GET  /devices/{id}                one device
//	POST /devices/{id}/send           send {"hex"}, {"text"} or {"raw"} (base64)
//	POST /devices/{id}/connect        start the connection loops
//	POST /devices/{id}/disconnect     stop them
//	POST /devices/{id}/reconnect      tear down and reconnect
//	GET  /ws                          event stream (device.state_changed,
//	                                  device.received, device.sent)
//	GET  /metrics                     Prometheus scrape (no auth)
//
// Protected routes take a JWT minted by `avlinkd token`, as a Bearer header
// or, for browsers opening a WebSocket, an access_token query parameter.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
