package spoold

import (
	"context"
)

// Shutdown is canceled when a graceful shutdown is initiated. Delivery workers
// stop accepting new records from the spool when it is canceled.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by most operations. It is canceled shortly
// after Shutdown, to abort delivery attempts still in progress.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}
