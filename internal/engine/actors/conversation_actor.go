package actors

import (
	"context"
	"log"
	"time"

	"chatsync/internal/cache"
	"chatsync/internal/engine"
	"chatsync/internal/models"
	"chatsync/internal/notify"
	"chatsync/internal/store"
	"chatsync/internal/transport"
	"chatsync/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
)

const storeTimeout = 5 * time.Second

// Message types for ConversationActor
type (
	// OpenConversationMsg loads history (cache first, durable store on
	// miss) and responds with a *ConversationSnapshot.
	OpenConversationMsg struct{}

	// SendMessageMsg applies an optimistic send and responds with the
	// *models.Message immediately; transport and persistence proceed
	// after the response.
	SendMessageMsg struct {
		Content string
	}

	// RetrySendMsg re-attempts a message whose earlier send failed.
	// Responds with the updated *models.Message or *utils.AppError.
	RetrySendMsg struct {
		MessageID uuid.UUID
	}

	// MarkConversationReadMsg acknowledges every unread incoming message.
	// Responds with the number of messages transitioned.
	MarkConversationReadMsg struct{}

	// GetSnapshotMsg responds with the current *ConversationSnapshot.
	GetSnapshotMsg struct{}

	// Transport events forwarded by the facade.
	TransportMessageMsg struct{ Event *transport.NewMessageEvent }
	TransportStatusMsg  struct{ Event *transport.StatusUpdateEvent }
	TransportTypingMsg  struct{ Event *transport.TypingUpdateEvent }
	TransportStateMsg   struct{ State transport.State }

	// Self-sends carrying async store results back onto the event loop.
	// If the actor stopped meanwhile they land in dead letters, which is
	// exactly the discard-after-close semantics the core wants.
	backfillResultMsg struct {
		replyTo  *actor.PID
		messages []*models.Message
		err      error
	}
	persistResultMsg struct {
		messageID uuid.UUID
		stored    *models.Message
		err       error
	}
)

// ConversationSnapshot is the materialized, UI-visible message sequence.
type ConversationSnapshot struct {
	ConversationID string
	Messages       []models.Message
}

// TypingEvent reports a counterpart's typing flag change.
type TypingEvent struct {
	UserID uuid.UUID
	Typing bool
}

// Observers are the three streams the facade exposes to its caller. Events
// are delivered best-effort: a full buffer drops the event rather than
// stalling the conversation loop.
type Observers struct {
	Messages  chan models.Message
	Typing    chan TypingEvent
	ConnState chan transport.State
}

func NewObservers() *Observers {
	return &Observers{
		Messages:  make(chan models.Message, 64),
		Typing:    make(chan TypingEvent, 16),
		ConnState: make(chan transport.State, 16),
	}
}

// ConversationActor owns one conversation's state. Everything that mutates
// that state arrives as an actor message, so reconciliation runs on a
// single logical event loop and the cache invariants are restored on every
// step rather than assumed.
type ConversationActor struct {
	userID         uuid.UUID
	counterpartID  uuid.UUID
	conversationID string

	store    store.Store
	cache    *cache.ConversationCache
	session  *transport.Session
	notifier *notify.Hub
	metrics  *utils.MetricsCollector

	observers *Observers

	messages []models.Message

	// Messages whose durable write failed and awaits retry.
	pendingPersist map[uuid.UUID]bool

	// Delivery acks already emitted, so a message is acked once even when
	// observed on both paths.
	ackedDelivery map[uuid.UUID]bool
}

func NewConversationActor(
	userID, counterpartID uuid.UUID,
	st store.Store,
	convCache *cache.ConversationCache,
	session *transport.Session,
	notifier *notify.Hub,
	metrics *utils.MetricsCollector,
	observers *Observers,
) actor.Actor {
	return &ConversationActor{
		userID:         userID,
		counterpartID:  counterpartID,
		conversationID: models.ConversationKey(userID, counterpartID),
		store:          st,
		cache:          convCache,
		session:        session,
		notifier:       notifier,
		metrics:        metrics,
		observers:      observers,
		pendingPersist: make(map[uuid.UUID]bool),
		ackedDelivery:  make(map[uuid.UUID]bool),
	}
}

func (a *ConversationActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *OpenConversationMsg:
		a.handleOpen(ctx)
	case *SendMessageMsg:
		a.handleSend(ctx, msg)
	case *RetrySendMsg:
		a.handleRetry(ctx, msg)
	case *MarkConversationReadMsg:
		a.handleMarkRead(ctx)
	case *GetSnapshotMsg:
		ctx.Respond(a.snapshot())
	case *TransportMessageMsg:
		a.handleTransportMessage(msg.Event)
	case *TransportStatusMsg:
		a.handleTransportStatus(msg.Event)
	case *TransportTypingMsg:
		a.emitTyping(TypingEvent{UserID: msg.Event.UserID, Typing: msg.Event.Typing})
	case *TransportStateMsg:
		a.emitConnState(msg.State)
	case *backfillResultMsg:
		a.handleBackfillResult(ctx, msg)
	case *persistResultMsg:
		a.handlePersistResult(msg)
	}
}

func (a *ConversationActor) handleOpen(ctx actor.Context) {
	a.metrics.IncrementRequests()
	startTime := time.Now()

	if cached, ok := a.cache.Get(a.conversationID); ok {
		a.messages = cached
		a.metrics.AddOperationLatency("open_cached", time.Since(startTime))
		ctx.Respond(a.snapshot())
		return
	}

	// Cache miss: backfill from the durable store off the event loop and
	// re-enter with the result. The sender PID is carried along so the
	// original request future still gets its answer.
	replyTo := ctx.Sender()
	self := ctx.Self()
	system := ctx.ActorSystem()
	userID, counterpartID := a.userID, a.counterpartID
	st := a.store

	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		history, err := st.ListConversation(cctx, userID, counterpartID)
		system.Root.Send(self, &backfillResultMsg{replyTo: replyTo, messages: history, err: err})
	}()
}

func (a *ConversationActor) handleBackfillResult(ctx actor.Context, msg *backfillResultMsg) {
	if msg.err != nil {
		log.Printf("Backfill failed for conversation %s: %v", a.conversationID, msg.err)
		a.metrics.IncrementErrors()
		// Serve whatever is in memory; an offline open still reads.
		if msg.replyTo != nil {
			ctx.Send(msg.replyTo, a.snapshot())
		}
		return
	}

	for _, row := range msg.messages {
		merged, _, _, err := engine.ReconcileAuthoritative(a.messages, *row)
		if err != nil {
			log.Printf("Dropping backfill row in conversation %s: %v", a.conversationID, err)
			continue
		}
		a.messages = merged
	}
	a.cache.Put(a.conversationID, a.messages)

	// Incoming messages that arrived while this side was offline were never
	// acknowledged. Ack them now so the sender converges to delivered, and
	// announce them the same way a live transport push would.
	for _, m := range a.snapshotMessages() {
		if m.ReceiverID != a.userID || m.Status != models.StatusSent {
			continue
		}
		a.ackDelivered(m)
		a.notifier.Publish(notify.Notice{
			UserID:         a.userID,
			ConversationID: a.conversationID,
			MessageID:      m.ID,
			SenderID:       m.SenderID,
		})
	}

	if msg.replyTo != nil {
		ctx.Send(msg.replyTo, a.snapshot())
	}
}

func (a *ConversationActor) handleSend(ctx actor.Context, msg *SendMessageMsg) {
	a.metrics.IncrementRequests()
	startTime := time.Now()

	optimistic := engine.NewOptimisticMessage(a.userID, a.counterpartID, msg.Content, time.Now())
	a.messages = engine.ApplyOptimisticSend(a.messages, optimistic)

	// Transport first: it is the primary UX signal and fails fast.
	sendErr := a.session.SendMessage(&optimistic)
	if sendErr != nil {
		log.Printf("Transport send failed for message %s: %v", optimistic.ID, sendErr)
		a.metrics.IncrementErrors()
		a.messages, _ = engine.MarkFailed(a.messages, optimistic.ID)
		optimistic.Status = models.StatusFailed
	}

	a.cache.UpsertOne(a.conversationID, optimistic)
	a.emitMessage(optimistic)

	result := optimistic
	ctx.Respond(&result)

	if sendErr == nil {
		a.persistAsync(ctx, optimistic)
	}
	a.metrics.AddOperationLatency("send", time.Since(startTime))
}

func (a *ConversationActor) handleRetry(ctx actor.Context, msg *RetrySendMsg) {
	idx := models.FindMessage(a.messages, msg.MessageID)
	if idx < 0 {
		ctx.Respond(utils.NewAppError(utils.ErrNotFound, "no such message: "+msg.MessageID.String(), nil))
		return
	}

	retry := a.messages[idx]
	if retry.Status != models.StatusFailed && !a.pendingPersist[retry.ID] {
		// Nothing to retry; hand back current state.
		result := retry
		ctx.Respond(&result)
		return
	}

	if retry.Status == models.StatusFailed {
		retry.Status = models.StatusSent
		if err := a.session.SendMessage(&retry); err != nil {
			a.metrics.IncrementErrors()
			ctx.Respond(utils.NewTransportUnavailableError(a.conversationID))
			return
		}
		a.messages = models.MergeMessage(a.messages, retry)
		a.cache.UpsertOne(a.conversationID, retry)
		a.emitMessage(retry)
	}

	a.persistAsync(ctx, retry)
	result := retry
	ctx.Respond(&result)
}

// persistAsync writes the message to the durable store off the event loop.
func (a *ConversationActor) persistAsync(ctx actor.Context, msg models.Message) {
	self := ctx.Self()
	system := ctx.ActorSystem()
	st := a.store

	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		stored, err := st.CreateMessage(cctx, &msg)
		system.Root.Send(self, &persistResultMsg{messageID: msg.ID, stored: stored, err: err})
	}()
}

func (a *ConversationActor) handlePersistResult(msg *persistResultMsg) {
	if msg.err != nil {
		// Transport already delivered it; keep the message visible and
		// flag it so the facade can retry persistence later.
		log.Printf("Persistence failed for message %s: %v", msg.messageID, msg.err)
		a.metrics.IncrementErrors()
		a.pendingPersist[msg.messageID] = true
		return
	}

	delete(a.pendingPersist, msg.messageID)

	merged, result, changed, err := engine.ReconcileAuthoritative(a.messages, *msg.stored)
	if err != nil {
		log.Printf("Dropping persist result for message %s: %v", msg.messageID, err)
		return
	}
	a.messages = merged
	if changed {
		a.cache.UpsertOne(a.conversationID, result)
		a.emitMessage(result)
	}
}

func (a *ConversationActor) handleTransportMessage(evt *transport.NewMessageEvent) {
	merged, result, changed, err := engine.ReconcileAuthoritative(a.messages, evt.Message)
	if err != nil {
		log.Printf("Dropping transport message in conversation %s: %v", a.conversationID, err)
		a.metrics.IncrementErrors()
		return
	}
	a.messages = merged
	if !changed {
		return
	}

	a.cache.UpsertOne(a.conversationID, result)
	a.emitMessage(result)

	if result.ReceiverID == a.userID {
		a.ackDelivered(result)
		a.notifier.Publish(notify.Notice{
			UserID:         a.userID,
			ConversationID: a.conversationID,
			MessageID:      result.ID,
			SenderID:       result.SenderID,
		})
	}
}

// ackDelivered emits the delivery acknowledgment exactly once per message:
// over the transport for the sender's immediate status flip, and to the
// durable store for cross-device truth.
func (a *ConversationActor) ackDelivered(msg models.Message) {
	if a.ackedDelivery[msg.ID] || msg.Status.Rank() >= models.StatusDelivered.Rank() {
		return
	}
	a.ackedDelivery[msg.ID] = true

	now := time.Now()
	merged, result, changed, err := engine.ApplyStatus(a.messages, msg.ID, models.StatusDelivered, now)
	if err != nil {
		log.Printf("Delivery ack conflict for message %s: %v", msg.ID, err)
		return
	}
	a.messages = merged
	if changed {
		a.cache.UpsertOne(a.conversationID, result)
		a.emitMessage(result)
	}

	if err := a.session.AckDelivered(msg.ID, now); err != nil {
		log.Printf("Transport delivery ack failed for message %s: %v", msg.ID, err)
	}
	a.markStoreAsync(msg.ID, models.StatusDelivered, now)
}

func (a *ConversationActor) handleTransportStatus(evt *transport.StatusUpdateEvent) {
	merged, result, changed, err := engine.ApplyStatus(a.messages, evt.MessageID, evt.Status, evt.At)
	if err != nil {
		// Out-of-order or unmatched event: logged and dropped, never fatal.
		log.Printf("Dropping status event in conversation %s: %v", a.conversationID, err)
		return
	}
	a.messages = merged
	if changed {
		a.cache.UpsertOne(a.conversationID, result)
		a.emitMessage(result)
	}
}

func (a *ConversationActor) handleMarkRead(ctx actor.Context) {
	now := time.Now()
	count := 0
	for _, msg := range a.snapshotMessages() {
		if msg.ReceiverID != a.userID || msg.Status == models.StatusRead {
			continue
		}
		if msg.Status == models.StatusFailed {
			continue
		}

		merged, result, changed, err := engine.ApplyStatus(a.messages, msg.ID, models.StatusRead, now)
		if err != nil {
			log.Printf("Read ack conflict for message %s: %v", msg.ID, err)
			continue
		}
		a.messages = merged
		if !changed {
			continue
		}
		count++
		a.cache.UpsertOne(a.conversationID, result)
		a.emitMessage(result)

		if err := a.session.AckRead(msg.ID, now); err != nil {
			log.Printf("Transport read ack failed for message %s: %v", msg.ID, err)
		}
		a.markStoreAsync(msg.ID, models.StatusRead, now)
	}
	ctx.Respond(count)
}

// markStoreAsync records a status transition in the durable store off the
// event loop. Failures only lose the durable copy of an ack; the local
// state already advanced and the next backfill converges.
func (a *ConversationActor) markStoreAsync(messageID uuid.UUID, status models.MessageStatus, at time.Time) {
	st := a.store
	op := string(status)

	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		var err error
		if status == models.StatusRead {
			err = st.MarkRead(cctx, messageID, at)
		} else {
			err = st.MarkDelivered(cctx, messageID, at)
		}
		if err != nil {
			log.Printf("Durable %s ack failed for message %s: %v", op, messageID, err)
		}
	}()
}

func (a *ConversationActor) snapshot() *ConversationSnapshot {
	return &ConversationSnapshot{
		ConversationID: a.conversationID,
		Messages:       a.snapshotMessages(),
	}
}

func (a *ConversationActor) snapshotMessages() []models.Message {
	out := make([]models.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *ConversationActor) emitMessage(msg models.Message) {
	select {
	case a.observers.Messages <- msg:
	default:
		log.Printf("Message observer buffer full for conversation %s; dropping update", a.conversationID)
	}
}

func (a *ConversationActor) emitTyping(evt TypingEvent) {
	select {
	case a.observers.Typing <- evt:
	default:
	}
}

func (a *ConversationActor) emitConnState(state transport.State) {
	select {
	case a.observers.ConnState <- state:
	default:
	}
}
