// Package adapters defines the protocol adapter contract. Concrete
// adapters (REST, WebSocket, local IPC) live in subpackages and all funnel
// their requests through the shared pipeline.
package adapters

import "context"

// Adapter is one protocol front end of the gateway.
type Adapter interface {
	// Name identifies the adapter in status output and logs.
	Name() string
	// Start binds the adapter's listener and begins serving. It returns
	// once the adapter is accepting traffic.
	Start(ctx context.Context) error
	// Stop stops accepting new work and closes the listener. In-flight
	// requests are given until the context deadline to finish.
	Stop(ctx context.Context) error
}
