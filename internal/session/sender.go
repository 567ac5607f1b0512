package session

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/chat"
)

// TempIDs mints ids of the form {instance}-{counter} for optimistic sends.
// The counter is shared by every session using the generator.
type TempIDs struct {
	instance string
	counter  atomic.Uint64
}

// NewTempIDs returns a generator for instance, or for a random instance id
// when instance is empty.
func NewTempIDs(instance string) *TempIDs {
	if instance == "" {
		instance = uuid.NewString()
	}
	return &TempIDs{instance: instance}
}

func (g *TempIDs) Instance() string { return g.instance }

func (g *TempIDs) Next() string {
	return g.instance + "-" + strconv.FormatUint(g.counter.Add(1), 10)
}

// pendingSend keeps what is needed to re-emit an unconfirmed message.
type pendingSend struct {
	payload chat.SendRequest
	timer   *time.Timer
	gen     uint64
}

func (p *pendingSend) stop() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Send appends an optimistic PENDING entry and emits it. The returned temp id
// names the entry until the relay confirms it. If the transport refuses the
// frame the entry is marked FAILED and the error is returned with the id.
func (s *RoomSession) Send(ctx context.Context, content string, typ chat.MessageType) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	if typ == "" {
		typ = chat.TypeText
	}
	if _, err := chat.ParseMessageType(string(typ)); err != nil {
		return "", err
	}

	var tempID string
	err := s.call(ctx, func() error {
		if s.state != StateActive && s.state != StateReconnecting {
			return ErrNotActive
		}
		tempID = s.cfg.IDs.Next()
		msg := chat.Message{
			ID:            tempID,
			RoomID:        s.cfg.RoomID,
			SenderID:      s.cfg.SenderID,
			Content:       content,
			Type:          typ,
			SentAt:        time.Now().UTC(),
			CorrelationID: tempID,
		}
		if err := s.store.InsertOptimistic(msg); err != nil {
			return err
		}
		ps := &pendingSend{payload: chat.SendRequest{
			RoomID:        s.cfg.RoomID,
			Content:       content,
			MessageType:   typ.Wire(),
			CorrelationID: tempID,
		}}
		s.sends[tempID] = ps
		defer s.publish()
		return s.emit(tempID, ps)
	})
	return tempID, err
}

// Retry re-emits a FAILED message under its original temp id.
func (s *RoomSession) Retry(ctx context.Context, tempID string) error {
	return s.call(ctx, func() error {
		if s.state != StateActive && s.state != StateReconnecting {
			return ErrNotActive
		}
		m, ok := s.store.Get(tempID)
		ps := s.sends[tempID]
		if !ok || m.State != chat.StateFailed || ps == nil {
			return ErrNotRetryable
		}
		s.store.MarkPending(tempID)
		defer s.publish()
		if err := s.emit(tempID, ps); err != nil {
			return err
		}
		s.metrics.Send("retried")
		return nil
	})
}

// emit hands the frame to the transport and arms the ack timer. A refused
// frame fails the entry at once.
func (s *RoomSession) emit(tempID string, ps *pendingSend) error {
	if err := s.transport.Emit(s.cfg.RoomID, chat.EventSendMessage, ps.payload); err != nil {
		s.store.MarkFailed(tempID)
		s.setErr(err)
		s.metrics.Send(sendResult(err))
		s.log.Warn().Err(err).Str("temp_id", tempID).Msg("send refused")
		return err
	}
	ps.stop()
	ps.gen++
	epoch, gen := s.epoch, ps.gen
	ps.timer = time.AfterFunc(s.cfg.AckTimeout, func() {
		s.post(func() { s.ackExpired(epoch, tempID, gen) })
	})
	s.metrics.Send("emitted")
	return nil
}

func (s *RoomSession) ackExpired(epoch uint64, tempID string, gen uint64) {
	if epoch != s.epoch {
		return
	}
	ps := s.sends[tempID]
	if ps == nil || ps.gen != gen {
		return
	}
	ps.timer = nil
	if !s.store.MarkFailed(tempID) {
		return
	}
	s.setErr(chat.NewSendTimeoutError(s.cfg.RoomID, tempID))
	s.metrics.Send("timeout")
	s.log.Warn().Str("temp_id", tempID).Dur("timeout", s.cfg.AckTimeout).Msg("send not confirmed")
	s.publish()
}

// confirmed drops the bookkeeping for a send the relay echoed back.
func (s *RoomSession) confirmed(tempID string) {
	ps := s.sends[tempID]
	if ps == nil {
		return
	}
	ps.stop()
	delete(s.sends, tempID)
	s.metrics.Send("confirmed")
}

func (s *RoomSession) onRejected(epoch uint64, rej chat.Rejection) {
	if epoch != s.epoch {
		return
	}
	ps := s.sends[rej.CorrelationID]
	if ps == nil {
		return
	}
	ps.stop()
	ps.gen++
	if !s.store.MarkFailed(rej.CorrelationID) {
		return
	}
	s.setErr(chat.NewSendRejectedError(s.cfg.RoomID, rej.CorrelationID, rej.Reason))
	s.metrics.Send("rejected")
	s.log.Warn().Str("temp_id", rej.CorrelationID).Str("reason", rej.Reason).Msg("send rejected")
	s.publish()
}

func sendResult(err error) string {
	if chat.CodeOf(err) == chat.CodeBackpressure {
		return "backpressure"
	}
	return "error"
}
