// Package shutdown provides graceful shutdown for dps-server.
//
// Components register hooks with OnShutdown as they start; the hooks run
// in reverse order when the process receives SIGINT or SIGTERM, all under
// one timeout. Hook errors are combined rather than dropped.
//
// Usage:
//
//	h := shutdown.NewHandler(10 * time.Second)
//	h.OnShutdown(server.Shutdown)
//	if err := h.Wait(); err != nil { ... }
package shutdown
