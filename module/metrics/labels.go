package metrics

const (
	LabelOutcome = "outcome"
	LabelReason  = "reason"
	LabelPhase   = "phase"
	LabelEngine  = "engine"
	LabelMessage = "message"
)

// Engine and message names used as metric label values.
const (
	EngineSynchronization = "synchronization"

	MessageBlockRequest      = "block_request"
	MessageBlockResponse     = "block_response"
	MessageBlockAnnounce     = "block_announce"
	MessageWarpProofRequest  = "warp_proof_request"
	MessageWarpProofResponse = "warp_proof_response"
)
