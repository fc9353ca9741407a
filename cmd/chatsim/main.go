// Command chatsim runs a two-party conversation end to end without any
// external services: both participants run the full messaging core against
// a shared in-memory store and an in-process relay standing in for the
// real-time backend.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/crypto"
	"chatsync/internal/store"
	"chatsync/internal/transport"
	"chatsync/internal/utils"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const jwtSecret = "chatsim-local-secret"

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.DefaultConfig()
	cfg.Transport.JWTSecret = jwtSecret
	cfg.Transport.RetryDelay = 200 * time.Millisecond
	cfg.Presence.TypingTimeout = 500 * time.Millisecond

	shared := store.NewMemoryStore()
	hub := newRelay(jwtSecret)

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	codec, err := crypto.NewSecretBoxCodec(key)
	if err != nil {
		return err
	}

	alice := uuid.New()
	bob := uuid.New()
	logger.Info("participants", "alice", alice, "bob", bob)

	// Each participant gets its own manager, as it would on its own device.
	// Store and relay are shared the way the backend would be.
	aliceMgr := chat.NewManager(cfg, shared, hub.Dialer())
	bobMgr := chat.NewManager(cfg, shared, hub.Dialer())
	defer aliceMgr.Shutdown()
	defer bobMgr.Shutdown()

	notices, cancelNotices := bobMgr.Notifications(bob)
	defer cancelNotices()
	go func() {
		for n := range notices {
			logger.Info("notice for bob", "message", n.MessageID, "from", n.SenderID)
		}
	}()

	aliceSess, err := aliceMgr.Open(alice, bob)
	if err != nil {
		return fmt.Errorf("alice open: %w", err)
	}
	defer aliceSess.Close()

	bobSess, err := bobMgr.Open(bob, alice)
	if err != nil {
		return fmt.Errorf("bob open: %w", err)
	}
	defer bobSess.Close()

	// Both ends must be attached to the relay before traffic starts.
	if err := waitConnected(aliceSess); err != nil {
		return fmt.Errorf("alice: %w", err)
	}
	if err := waitConnected(bobSess); err != nil {
		return fmt.Errorf("bob: %w", err)
	}

	// Bob reads everything that arrives. Status transitions re-emit the
	// same message, so count each id once.
	received := make(chan struct{}, 16)
	go func() {
		seen := make(map[uuid.UUID]bool)
		for msg := range bobSess.Messages() {
			if msg.SenderID != alice || seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true
			text, err := codec.Open(msg.Content)
			if err != nil {
				logger.Warn("bob could not open payload", "message", msg.ID, "error", err)
				continue
			}
			logger.Info("bob received", "message", msg.ID, "text", text, "status", msg.Status)
			received <- struct{}{}
		}
	}()

	go func() {
		for ev := range bobSess.Typing() {
			logger.Info("bob sees typing indicator", "user", ev.UserID, "typing", ev.Typing)
		}
	}()

	lines := []string{
		"hey, did the deploy go out?",
		"the staging run looked clean to me",
		"ok, shipping it",
	}
	for _, line := range lines {
		aliceSess.NotifyTyping()
		time.Sleep(150 * time.Millisecond)
		aliceSess.NotifyTyping()

		sealed, err := codec.Seal(line)
		if err != nil {
			return err
		}
		msg, err := aliceSess.Send(sealed)
		if err != nil {
			// Only transport-level failures leave a retryable message behind.
			if msg == nil || !utils.IsSendFailure(err) {
				return fmt.Errorf("send: %w", err)
			}
			logger.Warn("send failed, retrying", "message", msg.ID, "error", err)
			if _, err := aliceSess.Retry(msg.ID); err != nil {
				return fmt.Errorf("retry: %w", err)
			}
		}
		logger.Info("alice sent", "message", msg.ID, "text", line)
	}

	for range lines {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			return fmt.Errorf("timed out waiting for delivery")
		}
	}

	read, err := bobSess.MarkRead()
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	logger.Info("bob marked conversation read", "count", read)

	// Give the read receipts a moment to travel back to alice.
	time.Sleep(500 * time.Millisecond)

	snapshot, err := aliceSess.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	for _, msg := range snapshot {
		logger.Info("alice's view", "message", msg.ID, "status", msg.Status,
			"delivered", msg.DeliveredAt != nil, "read", msg.ReadAt != nil)
	}

	previews, err := bobMgr.Conversations(context.Background(), bob)
	if err != nil {
		return fmt.Errorf("conversations: %w", err)
	}
	for _, p := range previews {
		logger.Info("bob's conversation list", "counterpart", p.CounterpartID,
			"unread", p.Unread, "last", p.Last.CreatedAt)
	}

	report(logger.With("side", "alice"), aliceMgr)
	report(logger.With("side", "bob"), bobMgr)
	return nil
}

func waitConnected(sess *chat.Session) error {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-sess.ConnState():
			if state == transport.StateConnected {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("transport never connected")
		}
	}
}

func report(logger *slog.Logger, mgr *chat.Manager) {
	ops, requests, errors := mgr.Metrics().Snapshot()
	logger.Info("run report", "requests", requests, "errors", errors,
		"uptime", mgr.Metrics().Uptime().Round(time.Millisecond))
	for name, op := range ops {
		logger.Info("operation", "name", name, "count", op.Count,
			"avg", op.Average.Round(time.Microsecond), "max", op.Max.Round(time.Microsecond))
	}
}
