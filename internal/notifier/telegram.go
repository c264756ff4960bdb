package notifier

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// TelegramNotifier sends messages through the Telegram bot API. Messages
// closer together than MinInterval are dropped (the risk path must never
// block on chat delivery), except the periodic heartbeat which bypasses
// the throttle on its own cadence.
type TelegramNotifier struct {
	Token       string
	ChatID      string
	MinInterval time.Duration
	Retries     int
	RetryDelay  time.Duration

	client *http.Client

	mu       sync.Mutex
	lastSent time.Time
}

func NewTelegramNotifier(token, chatID string, minInterval time.Duration, retries int, retryDelay time.Duration) *TelegramNotifier {
	if minInterval <= 0 {
		minInterval = 5 * time.Second
	}
	if retries <= 0 {
		retries = 3
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &TelegramNotifier{
		Token:       token,
		ChatID:      chatID,
		MinInterval: minInterval,
		Retries:     retries,
		RetryDelay:  retryDelay,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Send(message string) error {
	if !t.allow() {
		log.Printf("Notifier | Throttled message: %.80s", message)
		return nil
	}
	return t.post(message)
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	if !t.allow() {
		log.Printf("Notifier | Throttled message: %.80s", message)
		return nil
	}
	var err error
	for attempt := 1; attempt <= t.Retries; attempt++ {
		if err = t.post(message); err == nil {
			return nil
		}
		log.Printf("Notifier | Send failed (attempt %d/%d): %v", attempt, t.Retries, err)
		time.Sleep(t.RetryDelay)
	}
	return err
}

// RetryWithNotification runs action and alerts the operator if it keeps failing.
func (t *TelegramNotifier) RetryWithNotification(action func() error, description string) error {
	var err error
	for attempt := 1; attempt <= t.Retries; attempt++ {
		if err = action(); err == nil {
			return nil
		}
		time.Sleep(t.RetryDelay)
	}
	t.SendWithRetry(fmt.Sprintf("%s failed after %d attempts: %v", description, t.Retries, err))
	return err
}

// StartHeartbeat emits a liveness message on its own cadence, bypassing the
// message throttle. Stops when done is closed.
func (t *TelegramNotifier) StartHeartbeat(done <-chan struct{}, interval time.Duration, text string) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := t.post(text); err != nil {
					log.Printf("Notifier | Heartbeat failed: %v", err)
				}
			}
		}
	}()
}

func (t *TelegramNotifier) allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.lastSent) < t.MinInterval {
		return false
	}
	t.lastSent = now
	return true
}

func (t *TelegramNotifier) post(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}
