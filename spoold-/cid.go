package spoold

import (
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id for an operation, e.g. a delivery attempt or ctl
// connection. Logged as "cid".
func Cid() int64 {
	return cid.Add(1)
}
