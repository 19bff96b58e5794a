package chain

import "errors"

// ErrPushUnavailable is returned by SubscribeTransfers when no WebSocket
// endpoint is configured; callers fall back to PollTransfers. An
// unreachable endpoint yields an ordinary error instead.
var ErrPushUnavailable = errors.New("chain: push subscription unavailable, no WS endpoint configured")
