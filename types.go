package resilience

import "context"

// Operation is a single asynchronous call against the remote service. The
// core treats operations as opaque: it only decides when (and whether) to
// invoke them, and what to do with the outcome. Operations must honor ctx
// cancellation.
type Operation func(ctx context.Context) (any, error)

// Option configures a Client.
type Option func(*Client)
