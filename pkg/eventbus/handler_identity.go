package eventbus

import "reflect"

// handlerPtr returns a stable identity for a Handler value so Unsubscribe
// can find the matching entry registered by Subscribe. Go func values are
// not comparable with ==, so identity is taken from the underlying code
// pointer instead.
func handlerPtr(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}
