package converge

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `converge` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - transport disconnects and resubscribes
//     - rollbacks and mutation timeouts
//     - discarded malformed push events and incompatible snapshots
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(2):
//     key events for trace debugging
//     this includes:
//     - per-event apply, resolve, dedupe, and expiry decisions with ids
//       that can be used to filter

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(2) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}
