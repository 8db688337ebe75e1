package runtime

import "context"

// Module is the lifecycle contract for the runnable pieces of a taskwire
// process. Start blocks until ctx is cancelled or the module fails.
type Module interface {
	Start(ctx context.Context) error
	Stop() error
}
