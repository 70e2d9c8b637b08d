// Package server exposes the bridge over HTTP: the voice widget WebSocket,
// the text chat endpoint, and monitoring endpoints for health, sessions,
// configuration, statistics and Prometheus metrics.
package server
