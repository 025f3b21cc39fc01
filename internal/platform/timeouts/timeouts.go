// Package timeouts defines shared timeout constants used across the gateway
// process so the durations stay discoverable in one place.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// BrokerDial caps the wait time when pinging the pub/sub broker at startup.
const BrokerDial = 5 * time.Second

// BusRetry is the delay between bus subscription attempts after a failure.
const BusRetry = time.Second
