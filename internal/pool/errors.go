package pool

import "errors"

// ErrPoolClosed is returned by NewStream once Close has been called.
var ErrPoolClosed = errors.New("pool: closed")

// ErrOverflow is returned by NewStream, synchronously, when both the
// connection cap and the pending-stream cap are exhausted (spec.md §4.3.1
// step 3's on_pool_failure(Overflow)).
var ErrOverflow = errors.New("pool: overflow")
