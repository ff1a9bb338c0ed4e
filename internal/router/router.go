// Package router implements the routing table, the pending-destination
// queue, inbound dispatch, and request/reply correlation wiring that ties
// the scheduler, the URL-selector-driven drivers, and the reply-caller
// directory together. Inbound dispatch is a switch on message type,
// similar in shape to a queue consumer's dispatch-by-routing-key loop.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/baechuer/clustercontroller/internal/message"
	"github.com/baechuer/clustercontroller/internal/pkg/reqctx"
	"github.com/baechuer/clustercontroller/internal/replycaller"
	"github.com/baechuer/clustercontroller/internal/scheduler"
	"github.com/baechuer/clustercontroller/internal/transport"
	"github.com/rs/zerolog"
)

// ErrUnknownDestinationPolicy is what Route logs, and hands to any
// ReplyCaller waiting on the message's request-reply-id, when the
// destination is absent from the routing table and the configured policy
// is to drop rather than park.
var ErrUnknownDestinationPolicy = errors.New("router: unknown destination, drop policy active")

// Handler receives messages addressed to a locally registered participant:
// inbound dispatch forwards to whatever is registered for message.To().
type Handler interface {
	HandleMessage(msg *message.Message)
}

type HandlerFunc func(msg *message.Message)

func (f HandlerFunc) HandleMessage(msg *message.Message) { f(msg) }

// Config selects the unknown-destination policy and the pending-queue cap.
// RoutingTableSweepPeriod is carried for whoever drives SweepRoutingTable;
// the Router itself does not read it or schedule sweeps.
type Config struct {
	QueueUnknownDestinations bool
	PendingQueueMaxPerDest   int
	RoutingTableSweepPeriod  time.Duration
}

// Router is the cluster controller's message plane core.
type Router struct {
	log zerolog.Logger
	cfg Config

	table     *routingTable
	pending   *pendingQueue
	multicast *multicastRegistry
	replies   *replycaller.Directory

	drivers map[message.AddressKind]transport.Driver
	codec   message.Codec
	sched   scheduler.Scheduler

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	onDispatch func(msg *message.Message, addr message.Address)
}

func New(log zerolog.Logger, cfg Config, codec message.Codec, sched scheduler.Scheduler, replies *replycaller.Directory) *Router {
	return &Router{
		log:       log.With().Str("component", "router").Logger(),
		cfg:       cfg,
		table:     newRoutingTable(),
		pending:   newPendingQueue(cfg.PendingQueueMaxPerDest),
		multicast: newMulticastRegistry(),
		replies:   replies,
		drivers:   make(map[message.AddressKind]transport.Driver),
		codec:     codec,
		sched:     sched,
		handlers:  make(map[string]Handler),
	}
}

// RegisterDriver binds the driver used for a given address kind.
func (r *Router) RegisterDriver(kind message.AddressKind, driver transport.Driver) {
	r.drivers[kind] = driver
}

// RegisterHandler binds the local object that receives messages addressed
// to participantID.
func (r *Router) RegisterHandler(participantID string, h Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[participantID] = h
}

func (r *Router) UnregisterHandler(participantID string) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	delete(r.handlers, participantID)
}

func (r *Router) handlerFor(participantID string) (Handler, bool) {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	h, ok := r.handlers[participantID]
	return h, ok
}

// AddRoute inserts or refreshes a routing-table entry, enforcing the
// alias-conflict rule, then drains any messages parked for that
// participant.
func (r *Router) AddRoute(participantID string, addr message.Address, globallyVisible, sticky bool, expiry time.Time) error {
	if err := r.table.insert(participantID, routingEntry{
		Address:         addr,
		GloballyVisible: globallyVisible,
		Expiry:          expiry,
		Sticky:          sticky,
	}); err != nil {
		return err
	}

	for _, msg := range r.pending.drain(participantID) {
		r.Route(msg)
	}
	return nil
}

func (r *Router) RemoveRoute(participantID string) {
	r.table.remove(participantID)
}

// SubscribeMulticast registers participantID to receive publications for
// multicastID.
func (r *Router) SubscribeMulticast(multicastID, participantID string) {
	r.multicast.subscribe(multicastID, participantID)
}

func (r *Router) UnsubscribeMulticast(multicastID, participantID string) {
	r.multicast.unsubscribe(multicastID, participantID)
}

// SubmitRequest registers caller in the reply-caller directory BEFORE
// routing msg: the sender first inserts a ReplyCaller into the
// reply-caller directory under the request-reply-id, with TTL equal to
// the request's remaining TTL, and only then submits the message to the
// router. Reversing that order would let a very fast reply arrive before
// anyone is registered to receive it.
func (r *Router) SubmitRequest(msg *message.Message, caller *replycaller.ReplyCaller) {
	ttl := time.Until(mustExpiry(msg))
	r.replies.Register(msg.RequestReplyID(), caller, ttl)
	r.Route(msg)
}

// SetOnDispatch installs a hook that is notified of every message about to be handed to
// a driver, before scheduling. It lets an optional durable ledger (see
// persistence/sendlog) record the attempt for crash recovery; the router
// itself has no opinion on durability.
func (r *Router) SetOnDispatch(hook func(msg *message.Message, addr message.Address)) {
	r.onDispatch = hook
}

// Route implements the outbound path.
func (r *Router) Route(msg *message.Message) {
	now := time.Now()
	if msg.Expired(now) {
		r.log.Debug().Str("message_id", msg.MessageID()).Msg("dropping expired outbound message")
		return
	}

	entry, ok := r.table.lookup(msg.To())
	if !ok {
		if r.cfg.QueueUnknownDestinations {
			if !r.pending.park(msg.To(), msg) {
				r.log.Warn().Str("to", msg.To()).Msg("pending queue full; dropping message")
			}
			return
		}
		r.log.Error().Str("to", msg.To()).Err(ErrUnknownDestinationPolicy).Msg("dropping message for unknown destination")
		if rrid := msg.RequestReplyID(); rrid != "" {
			if caller, found := r.replies.Take(rrid); found {
				caller.Fail(ErrUnknownDestinationPolicy)
			}
		}
		return
	}

	driver, ok := r.drivers[entry.Address.Kind]
	if !ok {
		r.log.Error().Int("kind", int(entry.Address.Kind)).Msg("no driver registered for address kind")
		return
	}

	exp, _ := msg.ExpiryDate()
	decayMillis := exp.UnixMilli()

	if r.onDispatch != nil {
		r.onDispatch(msg, entry.Address)
	}

	onFailure := func(err error) {
		r.log.Warn().Err(err).Str("message_id", msg.MessageID()).Msg("terminal send failure")
		if rrid := msg.RequestReplyID(); rrid != "" {
			if caller, found := r.replies.Take(rrid); found {
				caller.Fail(err)
			}
		}
	}

	sendCtx := reqctx.WithTraceID(context.Background(), msg.MessageID())
	r.sched.Schedule(func() {
		driver.SendMessage(sendCtx, entry.Address, msg, decayMillis, onFailure)
	}, 0)
}

// OnInboundBytes implements the inbound path.
func (r *Router) OnInboundBytes(raw []byte, creatorID string) {
	msg, err := r.codec.Deserialize(raw)
	if err != nil {
		r.log.Warn().Err(err).Str("creator_id", creatorID).Msg("failed to deserialize inbound message; dropping")
		return
	}

	if msg.Type == "" {
		r.log.Warn().Msg("inbound message missing type; dropping")
		return
	}
	if _, ok := msg.ExpiryDate(); !ok {
		r.log.Warn().Str("message_id", msg.MessageID()).Msg("inbound message missing expiry-date; dropping")
		return
	}

	if msg.Type == message.TypeRequest || msg.Type == message.TypeSubscriptionRequest {
		r.ensureReplyRoute(msg)
	}

	switch msg.Type {
	case message.TypeReply, message.TypeSubscriptionReply:
		r.dispatchReply(msg)
	default:
		r.dispatchToLocalHandler(msg)
	}
}

// ensureReplyRoute makes sure a routing-table entry exists for the
// request's originator, derived from its reply-channel-id, so that a
// subsequent reply can be routed back.
func (r *Router) ensureReplyRoute(msg *message.Message) {
	if msg.From() == "" || msg.ReplyChannelID() == "" {
		return
	}
	if _, ok := r.table.lookup(msg.From()); ok {
		return
	}
	addr := message.ChannelAddress("", msg.ReplyChannelID())
	exp, _ := msg.ExpiryDate()
	_ = r.table.insert(msg.From(), routingEntry{Address: addr, Expiry: exp})
}

func (r *Router) dispatchReply(msg *message.Message) {
	rrid := msg.RequestReplyID()
	if rrid == "" {
		r.log.Warn().Str("message_id", msg.MessageID()).Msg("reply with no request-reply-id; dropping")
		return
	}
	caller, ok := r.replies.Take(rrid)
	if !ok {
		r.log.Debug().Str("request_reply_id", rrid).Msg("no waiting caller for reply; dropping")
		return
	}
	caller.Resolve(msg.Payload)
}

func (r *Router) dispatchToLocalHandler(msg *message.Message) {
	if msg.Type == message.TypePublication {
		r.dispatchPublication(msg)
		return
	}

	h, ok := r.handlerFor(msg.To())
	if !ok {
		r.log.Debug().Str("to", msg.To()).Str("type", string(msg.Type)).Msg("no local handler registered; dropping")
		return
	}
	h.HandleMessage(msg)
}

// dispatchPublication fans a publication out to every multicast
// subscriber, bypassing the routing table entirely.
func (r *Router) dispatchPublication(msg *message.Message) {
	multicastID := msg.To()
	subscribers := r.multicast.subscribers(multicastID)
	if len(subscribers) == 0 {
		r.log.Debug().Str("multicast_id", multicastID).Msg("publication with no subscribers; dropping")
		return
	}
	for _, participantID := range subscribers {
		h, ok := r.handlerFor(participantID)
		if !ok {
			continue
		}
		h.HandleMessage(msg)
	}
}

// SweepRoutingTable removes expired non-sticky entries. The Router does not
// call it on its own; cmd/clustercontroller calls it from a ticker loop.
func (r *Router) SweepRoutingTable() {
	removed := r.table.sweepExpired(time.Now())
	if len(removed) > 0 {
		r.log.Debug().Strs("participant_ids", removed).Msg("routing-table cleanup removed expired entries")
	}
}

func (r *Router) RoutingTableLen() int { return r.table.len() }

// RouteSnapshot is an exportable copy of one routing-table entry, used by
// the routesnap persistence layer to warm-restore state across a
// controller restart. See routesnap's package doc.
type RouteSnapshot struct {
	ParticipantID   string
	Address         message.Address
	GloballyVisible bool
	Expiry          time.Time
	Sticky          bool
}

// Snapshot copies every current routing-table entry.
func (r *Router) Snapshot() []RouteSnapshot {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()

	out := make([]RouteSnapshot, 0, len(r.table.entries))
	for id, e := range r.table.entries {
		out = append(out, RouteSnapshot{
			ParticipantID:   id,
			Address:         e.Address,
			GloballyVisible: e.GloballyVisible,
			Expiry:          e.Expiry,
			Sticky:          e.Sticky,
		})
	}
	return out
}

// Restore re-inserts previously snapshotted entries, skipping non-sticky
// entries whose expiry has already passed and logging (without failing) alias conflicts
// against routes already present.
func (r *Router) Restore(snapshots []RouteSnapshot) {
	now := time.Now()
	for _, s := range snapshots {
		if !s.Sticky && !s.Expiry.IsZero() && !s.Expiry.After(now) {
			continue
		}
		if err := r.AddRoute(s.ParticipantID, s.Address, s.GloballyVisible, s.Sticky, s.Expiry); err != nil {
			r.log.Warn().Err(err).Str("participant_id", s.ParticipantID).Msg("skipped restoring routing entry")
		}
	}
}

// MulticastSnapshot copies the full subscriber-set registry.
func (r *Router) MulticastSnapshot() map[string][]string {
	return r.multicast.snapshot()
}

// RestoreMulticast re-subscribes previously snapshotted multicast
// memberships.
func (r *Router) RestoreMulticast(subs map[string][]string) {
	for multicastID, participantIDs := range subs {
		for _, participantID := range participantIDs {
			r.multicast.subscribe(multicastID, participantID)
		}
	}
}

func mustExpiry(msg *message.Message) time.Time {
	exp, ok := msg.ExpiryDate()
	if !ok {
		return time.Now()
	}
	return exp
}
