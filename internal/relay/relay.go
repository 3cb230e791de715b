// Package relay delivers direct messages: it persists them, keeps unread
// counts, and pushes them to whatever connections the receiver has open.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/dmrelay/internal/apperr"
	"github.com/pliu/dmrelay/internal/events"
	"github.com/pliu/dmrelay/internal/metrics"
	"github.com/pliu/dmrelay/internal/models"
	"github.com/pliu/dmrelay/internal/presence"
	"github.com/pliu/dmrelay/internal/store"
)

const (
	DefaultStorageTimeout = 5 * time.Second
	DefaultPushTimeout    = 250 * time.Millisecond
)

// Bus carries pushes to the relay instances holding the receiver's other
// connections.
type Bus interface {
	Publish(ctx context.Context, userID string, payload []byte) error
	Subscribe(ctx context.Context, ready chan<- struct{}, deliver func(presence.Delivery)) error
}

type Options struct {
	StorageTimeout time.Duration
	PushTimeout    time.Duration
	Bus            Bus
	Events         events.Publisher
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

type Service struct {
	store    store.Store
	registry *presence.Registry
	bus      Bus
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *zap.Logger

	storageTimeout time.Duration
	pushTimeout    time.Duration
}

func New(st store.Store, registry *presence.Registry, opts Options) *Service {
	s := &Service{
		store:          st,
		registry:       registry,
		bus:            opts.Bus,
		events:         opts.Events,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		storageTimeout: opts.StorageTimeout,
		pushTimeout:    opts.PushTimeout,
	}
	if s.events == nil {
		s.events = events.NopPublisher{}
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.storageTimeout <= 0 {
		s.storageTimeout = DefaultStorageTimeout
	}
	if s.pushTimeout <= 0 {
		s.pushTimeout = DefaultPushTimeout
	}
	return s
}

func (s *Service) Registry() *presence.Registry { return s.registry }

// Send stores the message, counts it as unread for the receiver and pushes
// it to the receiver's live connections, in that order. Push failures never
// fail the send.
//
// A non-empty clientToken makes retries safe: a repeated token returns the
// stored message and completes any step the earlier attempt missed.
func (s *Service) Send(ctx context.Context, senderID, receiverID, body, clientToken string) (models.Message, error) {
	msg, created, counted, err := s.persist(ctx, models.NewMessage{
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Body:        body,
		ClientToken: clientToken,
	})
	if err != nil {
		s.metrics.SendFailures.WithLabelValues(apperr.Code(err)).Inc()
		return models.Message{}, err
	}
	if created {
		s.metrics.MessagesSent.Inc()
	}

	// Pushed even on a retried token; clients de-duplicate by message id.
	s.push(ctx, receiverID, models.Event{Type: models.EventNewMessage, Message: &msg})

	if counted {
		if err := s.events.PublishMessageSent(context.WithoutCancel(ctx), msg); err != nil {
			s.log.Warn("publish message.sent failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
	}
	return msg, nil
}

// persist runs the append and the unread count under one storage deadline.
// The deadline is detached from the caller, so a sender that disconnects
// mid-send cannot leave a stored message uncounted. A failed count is
// reported as a storage fault so the client retries with its token, which
// completes the count without a second message.
func (s *Service) persist(ctx context.Context, in models.NewMessage) (msg models.Message, created, counted bool, err error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storageTimeout)
	defer cancel()

	msg, created, err = s.store.AppendMessage(sctx, in)
	if err != nil {
		return models.Message{}, false, false, err
	}

	counted, err = s.store.MessageDelivered(sctx, msg)
	if err != nil {
		s.log.Error("unread count failed after append",
			zap.Int64("message_id", msg.ID), zap.String("receiver", msg.ReceiverID), zap.Error(err))
		return models.Message{}, false, false, err
	}
	return msg, created, counted, nil
}

// History returns one page of the conversation between userA and userB as
// seen by requesterID.
func (s *Service) History(ctx context.Context, requesterID, userA, userB, cursor string, limit int) (models.Page, error) {
	if requesterID == "" {
		return models.Page{}, apperr.Validation("requester is required")
	}
	after, err := models.ParseCursor(cursor)
	if err != nil {
		return models.Page{}, apperr.Validation("%v", err)
	}
	limit = store.PageSize(limit)

	sctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	msgs, err := s.store.ListConversation(sctx, requesterID, userA, userB, after, limit)
	if err != nil {
		return models.Page{}, err
	}
	page := models.Page{Messages: msgs}
	if len(msgs) == limit {
		page.NextCursor = models.CursorAfter(msgs[len(msgs)-1]).String()
	}
	return page, nil
}

// Delete hides the message from requesterID and tells the requester's
// other sessions about it.
func (s *Service) Delete(ctx context.Context, requesterID string, messageID int64) error {
	if requesterID == "" {
		return apperr.Validation("requester is required")
	}
	if messageID <= 0 {
		return apperr.ErrNotFound
	}

	sctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	msg, err := s.store.DeleteMessage(sctx, messageID, requesterID)
	if err != nil {
		return err
	}
	s.push(ctx, requesterID, models.Event{
		Type:          models.EventMessageDeleted,
		MessageID:     msg.ID,
		CounterpartID: msg.Counterpart(requesterID),
	})
	return nil
}

func (s *Service) UnreadCounts(ctx context.Context, ownerID string) (map[string]int, error) {
	if ownerID == "" {
		return nil, apperr.Validation("owner is required")
	}
	sctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	return s.store.GetCounts(sctx, ownerID)
}

func (s *Service) UnreadCount(ctx context.Context, ownerID, counterpartID string) (int, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	return s.store.GetCount(sctx, ownerID, counterpartID)
}

func (s *Service) MarkRead(ctx context.Context, ownerID, counterpartID string) error {
	if ownerID == counterpartID {
		return apperr.Validation("cannot mark a conversation with yourself")
	}
	sctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	return s.store.MarkRead(sctx, ownerID, counterpartID)
}

func (s *Service) IsOnline(ctx context.Context, userID string) (bool, error) {
	return s.registry.IsOnline(ctx, userID)
}

// RunBus delivers pushes published by other instances until ctx is done.
// It returns immediately when no bus is configured.
func (s *Service) RunBus(ctx context.Context, ready chan<- struct{}) error {
	if s.bus == nil {
		if ready != nil {
			close(ready)
		}
		return nil
	}
	err := s.bus.Subscribe(ctx, ready, s.deliverRemote)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) deliverRemote(d presence.Delivery) {
	s.metrics.BusDeliveries.Inc()
	s.deliverLocal(context.Background(), d.UserID, d.Payload)
}

func (s *Service) push(ctx context.Context, userID string, ev models.Event) {
	// Detached so a caller's cancellation does not count as a dead handle.
	ctx = context.WithoutCancel(ctx)
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode event failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	s.deliverLocal(ctx, userID, payload)
	if s.bus != nil {
		if err := s.bus.Publish(ctx, userID, payload); err != nil {
			s.log.Warn("bus publish failed", zap.String("user", userID), zap.Error(err))
		}
	}
}

// deliverLocal pushes payload to every handle of userID held here, all at
// once, and returns when each push has finished or timed out. A handle
// whose push fails is treated as disconnected and pruned.
func (s *Service) deliverLocal(ctx context.Context, userID string, payload []byte) {
	handles := s.registry.HandlesFor(userID)
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h presence.Handle) {
			defer wg.Done()
			s.pushOne(ctx, userID, h, payload)
		}(h)
	}
	wg.Wait()
}

func (s *Service) pushOne(ctx context.Context, userID string, h presence.Handle, payload []byte) {
	pctx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	err := h.Push(pctx, payload)
	cancel()
	if err == nil {
		s.metrics.PushesDelivered.Inc()
		return
	}

	s.metrics.PushFailures.Inc()
	s.log.Debug("push failed, pruning handle",
		zap.String("user", userID), zap.String("handle", h.ID()),
		zap.Error(errors.Join(apperr.ErrDelivery, err)))
	if s.registry.Unregister(ctx, h) {
		s.metrics.HandlesPruned.Inc()
	}
	h.Close()
}
