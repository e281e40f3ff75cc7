// Package server implements the real-time delivery core of chatrelay.
//
// The Registry tracks live WebSocket connections per user. The Router runs
// each connection and dispatches its frames by type. The Coordinator pushes
// private messages live or queues them as push records, and drains the
// queue when the recipient comes online or the retry job runs. The Sweeper
// evicts stale connections and schedules the retry and cleanup jobs. Server
// assembles them behind the HTTP endpoints.
package server
