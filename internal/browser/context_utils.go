// internal/browser/context_utils.go
package browser

import "context"

// CombineContext derives a context from primary that is also cancelled when
// secondary is done. Values come from primary only, which is what chromedp
// needs: the tab context carries the CDP target, the secondary one the
// backend's lifetime. context.Cause on the result reports which of the two
// ended it.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(primary)
	stop := context.AfterFunc(secondary, func() {
		cancel(context.Cause(secondary))
	})
	return combined, func() {
		stop()
		cancel(context.Canceled)
	}
}
