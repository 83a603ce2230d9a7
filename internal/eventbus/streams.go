package eventbus

// Stream names and the consumer group are process-wide constants (§6).
const (
	StreamBidsIncoming       = "matching:bids:incoming"
	StreamUsersStatus        = "matching:users:status"
	StreamEngagementEvents   = "matching:engagement:events"
	StreamMatchAssignments   = "matching:matches:assignments"
	StreamMatchUpdates       = "matching:matches:updates"
	StreamSettlementInstructions = "matching:settlements:instructions"

	ConsumerGroup       = "matching-engine-group"
	ConsumerNamePrefix  = "matching-engine-"
)

// DefaultMaxLenApprox caps outbound stream retention. It is approximate
// (Redis XADD MAXLEN ~) so the cap never serializes against appends.
const DefaultMaxLenApprox = 100_000
