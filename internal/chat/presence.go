// internal/chat/presence.go
package chat

import (
	"log"
	"sync"
	"time"

	"chatsync/internal/transport"
)

// typingBroadcaster debounces local keystrokes into at most one
// typing=true signal per burst, with a single inactivity timer that emits
// typing=false after the burst ends. New keystrokes re-arm the timer
// rather than stacking new ones.
type typingBroadcaster struct {
	session *transport.Session
	timeout time.Duration

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

func newTypingBroadcaster(session *transport.Session, timeout time.Duration) *typingBroadcaster {
	return &typingBroadcaster{
		session: session,
		timeout: timeout,
	}
}

// NotifyTyping is called for every keystroke-equivalent event.
func (t *typingBroadcaster) NotifyTyping() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		if err := t.session.SetTyping(true); err != nil {
			// Not connected; stay out of the typing state so a later
			// keystroke retries once the transport is back.
			log.Printf("Typing signal not sent: %v", err)
			return
		}
		t.active = true
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.timeout, t.expire)
}

func (t *typingBroadcaster) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}
	t.active = false
	t.timer = nil
	if err := t.session.SetTyping(false); err != nil {
		log.Printf("Typing stop signal not sent: %v", err)
	}
}

// stop cancels the pending timer and clears the typing state, emitting the
// stop signal if one is owed.
func (t *typingBroadcaster) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.active {
		t.active = false
		if err := t.session.SetTyping(false); err != nil {
			log.Printf("Typing stop signal not sent: %v", err)
		}
	}
}
