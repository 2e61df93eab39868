package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avolkov/chatrelay/internal/metrics"
	"github.com/avolkov/chatrelay/internal/registry"
)

// Directory looks up user attributes needed to address a push
// notification. Backed by the SQLite store in production.
type Directory interface {
	DisplayName(ctx context.Context, userID int64) (string, error)
	PushToken(ctx context.Context, userID int64) (string, error)
}

// Pusher delivers one push notification. Failures are logged by the
// caller and never surface to the signaling flow.
type Pusher interface {
	Send(ctx context.Context, token, title, body string, data map[string]any) error
}

// Signaler routes call-setup messages between a caller and a callee.
// Messages to an online target are forwarded verbatim (with the
// sender identity stamped from the connection); an offer or ICE
// candidate to an offline target is buffered in PendingCalls and
// replayed when the callee reconnects and sends pending-ready.
type Signaler struct {
	reg       *registry.Registry
	pending   *PendingCalls
	fanout    *Fanout
	directory Directory
	pusher    Pusher
	metrics   *metrics.Metrics // optional

	pushTimeout time.Duration
}

// NewSignaler creates a Signaler. directory and pusher may be nil,
// disabling call push notifications.
func NewSignaler(reg *registry.Registry, pending *PendingCalls, fanout *Fanout, dir Directory, pusher Pusher, m *metrics.Metrics, pushTimeout time.Duration) *Signaler {
	if pushTimeout <= 0 {
		pushTimeout = 10 * time.Second
	}
	return &Signaler{
		reg:         reg,
		pending:     pending,
		fanout:      fanout,
		directory:   dir,
		pusher:      pusher,
		metrics:     m,
		pushTimeout: pushTimeout,
	}
}

// Route dispatches one signaling message from conn. The sender field
// of the forwarded payload is always the connection's bound identity;
// client-supplied sender values are discarded. Errors are logged and
// the message dropped; routing never closes the connection.
func (s *Signaler) Route(ctx context.Context, conn *registry.Conn, env Envelope, raw []byte) error {
	sender := conn.UserID()
	if sender == 0 {
		return fmt.Errorf("connection has not completed init")
	}
	stamped := stampSender(raw, sender)

	switch env.Type {
	case TypeOffer:
		s.handleOffer(ctx, sender, env, stamped)
	case TypeAnswer:
		s.forward(ctx, env.Target, stamped)
	case TypeICECandidate:
		s.handleICECandidate(ctx, env.Target, stamped)
	case TypeCallEnded:
		s.handleCallEnded(ctx, sender, env.Target, stamped)
	case TypePendingReady:
		s.handlePendingReady(ctx, conn, sender)
	default:
		return fmt.Errorf("unknown signaling type %q", env.Type)
	}
	return nil
}

// handleOffer forwards the offer to an online target or buffers it
// for an offline one. The push notification goes out either way: a
// socket-connected target may still have the app backgrounded.
func (s *Signaler) handleOffer(ctx context.Context, sender int64, env Envelope, payload []byte) {
	if env.Target == 0 {
		slog.Warn("signaling: offer without target", "sender", sender)
		return
	}
	if s.reg.IsOnline(env.Target) {
		s.forward(ctx, env.Target, payload)
	} else {
		s.pending.SetOffer(env.Target, payload)
	}
	s.notifyIncomingCall(sender, env.Target, env.ChatID)
}

// handleICECandidate forwards to a live target, or appends to its
// pending call. A candidate for a target with neither is dropped: no
// call was ever initiated, or it already ended.
func (s *Signaler) handleICECandidate(ctx context.Context, target int64, payload []byte) {
	if s.reg.IsOnline(target) {
		s.forward(ctx, target, payload)
		return
	}
	if !s.pending.AddCandidate(target, payload) {
		slog.Debug("signaling: candidate dropped, no pending call", "target", target)
	}
}

// handleCallEnded clears buffered state keyed by either party and
// forwards the end signal to both sides' live connections. The
// sender's other devices need it too, to dismiss their ringing UI.
func (s *Signaler) handleCallEnded(ctx context.Context, sender, target int64, payload []byte) {
	s.pending.Delete(target)
	s.pending.Delete(sender)
	s.forward(ctx, target, payload)
	s.forward(ctx, sender, payload)
}

// handlePendingReady replays the buffered offer and ICE candidates
// for the requesting user, in buffering order, to the requesting
// connection only. The entry is consumed: a second pending-ready
// yields nothing.
func (s *Signaler) handlePendingReady(ctx context.Context, conn *registry.Conn, requester int64) {
	offer, candidates, ok := s.pending.Take(requester)
	if !ok {
		slog.Debug("signaling: pending-ready with nothing buffered", "user_id", requester)
		return
	}
	if err := conn.Write(ctx, offer); err != nil {
		slog.Debug("signaling: replay write failed", "user_id", requester, "error", err)
		return
	}
	for _, cand := range candidates {
		if err := conn.Write(ctx, cand); err != nil {
			slog.Debug("signaling: replay write failed", "user_id", requester, "error", err)
			return
		}
	}
	slog.Info("signaling: pending call replayed", "user_id", requester, "candidates", len(candidates))
}

// forward writes payload to every live connection of target. A target
// with zero live connections is a silent no-op.
func (s *Signaler) forward(ctx context.Context, target int64, payload []byte) {
	if target == 0 {
		return
	}
	s.fanout.DeliverRaw(ctx, []int64{target}, payload)
}

// notifyIncomingCall sends a call push notification in a detached
// goroutine. Directory or push failures are logged only; the
// signaling flow has already moved on.
func (s *Signaler) notifyIncomingCall(sender, target, chatID int64) {
	if s.directory == nil || s.pusher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
		defer cancel()

		token, err := s.directory.PushToken(ctx, target)
		if err != nil || token == "" {
			if err != nil {
				slog.Debug("signaling: push token lookup failed", "target", target, "error", err)
			}
			return
		}
		callerName, err := s.directory.DisplayName(ctx, sender)
		if err != nil {
			slog.Debug("signaling: caller name lookup failed", "sender", sender, "error", err)
			callerName = "Unknown"
		}
		data := map[string]any{
			"type":   "call",
			"sender": sender,
			"chatId": chatID,
		}
		if err := s.pusher.Send(ctx, token, callerName, "Incoming call", data); err != nil {
			slog.Warn("signaling: call push failed", "target", target, "error", err)
		}
	}()
}
