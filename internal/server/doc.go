// Package server hosts the Fiber HTTP service and the request middleware chain
// that fronts the interceptor. Diagnostics and host triggers live under `/-/`
// and are registered by the routes subpackage; every other path is handed to
// the ProxyHandler. Keep exports narrow and accept explicit dependencies.
package server
