package realtime

import (
	"strconv"

	"github.com/cskr/pubsub"

	"github.com/unclebandit/wa-campaigns/internal/model"
)

const (
	EventMessageCreated = "message.created"
	EventMessageStatus  = "message.status"

	allTopic = "all"
)

type Event struct {
	Type           string         `json:"type"`
	ConversationID int            `json:"conversation_id"`
	Message        *model.Message `json:"message"`
}

// Hub fans conversation events out to subscribers of one conversation and to
// subscribers of every conversation.
type Hub struct {
	ps *pubsub.PubSub
}

func NewHub(capacity int) *Hub {
	return &Hub{ps: pubsub.New(capacity)}
}

func topic(conversationID int) string {
	return "conversation:" + strconv.Itoa(conversationID)
}

func (h *Hub) Subscribe(conversationID int) chan interface{} {
	return h.ps.Sub(topic(conversationID))
}

func (h *Hub) SubscribeAll() chan interface{} {
	return h.ps.Sub(allTopic)
}

func (h *Hub) Publish(ev Event) {
	h.ps.Pub(ev, topic(ev.ConversationID), allTopic)
}

// Unsubscribe detaches ch and drains it until the hub closes it, so a
// publisher blocked on ch is released.
func (h *Hub) Unsubscribe(ch chan interface{}) {
	go h.ps.Unsub(ch)
	for range ch {
	}
}

func (h *Hub) Close() {
	h.ps.Shutdown()
}
