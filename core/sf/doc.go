// Package sf deduplicates concurrent function calls with the same key:
// only one execution is in flight per key at a time, and every concurrent
// caller receives the first call's result.
//
// The backbone uses it to collapse concurrent replays of the same
// aggregate into a single rebuild:
//
//	flight := sf.New[orderState]()
//	state, err := flight.Do(orderID, func() (*orderState, error) {
//	    return replay(ctx, orderID)
//	})
package sf
