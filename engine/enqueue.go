package engine

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/karstlabs/karst/model/karst"
)

// Message is a network payload annotated with the peer it came from.
type Message struct {
	OriginID karst.PeerID
	Payload  interface{}
}

// MessageStore abstracts how messages are buffered in memory before being
// handled by the engine.
type MessageStore interface {
	Put(*Message) bool
	Get() (*Message, bool)
}

type Pattern struct {
	// Match is a function to match a message to this pattern, typically by
	// payload type.
	Match MatchFunc
	// Map is a function to apply to messages before storing them. If not
	// provided, the message is stored unchanged.
	Map MapFunc
	// Store is where matched messages are kept until a worker picks them
	// up.
	Store MessageStore
}

type MatchFunc func(*Message) bool

type MapFunc func(*Message) *Message

// MessageHandler routes inbound messages into per-type stores and wakes the
// processing workers. Enqueueing is non-blocking; messages beyond a store's
// capacity are dropped, which bounds the damage any peer can do.
type MessageHandler struct {
	log      zerolog.Logger
	notifier Notifier
	patterns []Pattern
}

func NewMessageHandler(log zerolog.Logger, notifier Notifier, patterns ...Pattern) *MessageHandler {
	return &MessageHandler{
		log:      log.With().Str("component", "message_handler").Logger(),
		notifier: notifier,
		patterns: patterns,
	}
}

// Process stores the message into the first matching pattern's store. An
// unmatched message type returns IncompatibleInputTypeError.
func (h *MessageHandler) Process(originID karst.PeerID, payload interface{}) error {
	msg := &Message{
		OriginID: originID,
		Payload:  payload,
	}

	for _, pattern := range h.patterns {
		if !pattern.Match(msg) {
			continue
		}
		if pattern.Map != nil {
			msg = pattern.Map(msg)
		}
		ok := pattern.Store.Put(msg)
		if !ok {
			h.log.Warn().
				Str("msg_type", fmt.Sprintf("%T", payload)).
				Str("origin", originID.String()).
				Msg("failed to store message, discarding")
			return nil
		}
		h.notifier.Notify()

		// A message is matched by at most one pattern.
		return nil
	}

	return fmt.Errorf("no matching processing pattern for message of type %T: %w", payload, IncompatibleInputTypeError)
}

// GetNotifier returns the channel workers wait on for new messages.
func (h *MessageHandler) GetNotifier() <-chan struct{} {
	return h.notifier.Channel()
}
