package session

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain/event"
)

// run owns the stream lifecycle: connect, read until the stream drops, back
// off, repeat. When the backoff budget is spent it parks the session in
// StateConnectionLost and exits.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	bo := Backoff{Base: s.backoffBase, MaxAttempts: s.backoffAttempts}

	for {
		established, err := s.stream(ctx)
		// A dropped stream orphans the in-flight exchange: the server cancels
		// it on disconnect, so no terminal event will ever arrive to release
		// the latch.
		s.clearSendLatch()
		if ctx.Err() != nil {
			s.clearRunner()
			return
		}
		if established {
			bo.Reset()
		}
		if err != nil {
			s.logger.Warn("event stream dropped", zap.Error(err))
		}

		delay, ok := bo.Next()
		if !ok {
			s.logger.Warn("reconnect attempts exhausted")
			s.clearRunner()
			s.setState(StateConnectionLost)
			return
		}

		s.setState(StateConnecting)
		select {
		case <-ctx.Done():
			s.clearRunner()
			return
		case <-time.After(delay):
		}
	}
}

// clearRunner releases the running slot so Connect/Reconnect can start a new
// loop. Close keeps its own state, so only overwrite cancel when still set.
func (s *Session) clearRunner() {
	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
}

// stream opens the SSE request and pumps frames until the connection drops.
// Returns whether the server handshake was seen.
func (s *Session) stream(ctx context.Context) (bool, error) {
	streamURL := fmt.Sprintf("%s/api/v1/stream?agentId=%s", s.baseURL, url.QueryEscape(s.agent.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return false, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, decodeAPIError(resp)
	}

	established := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		ev, err := event.Decode([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			// Unparseable frames are skipped, not fatal: a new server may
			// speak a newer protocol revision.
			s.logger.Debug("skipping unparseable frame", zap.Error(err))
			continue
		}

		if _, ok := ev.(event.ConnectionEstablished); ok {
			established = true
		}
		s.dispatch(ev)
	}
	if err := scanner.Err(); err != nil {
		return established, fmt.Errorf("read stream: %w", err)
	}
	return established, nil
}

// dispatch applies one event to the transcript and fires callbacks. Deltas
// carry the full accumulated text and are applied by replacement, so
// duplicates and replays are harmless.
func (s *Session) dispatch(ev event.Event) {
	switch v := ev.(type) {
	case event.ConnectionEstablished:
		s.setState(StateConnected)

	case event.Ping:
		// Liveness only.

	case event.MessageStart:
		s.mu.Lock()
		if _, seen := s.byID[v.MessageID]; !seen {
			s.messages = append(s.messages, Message{ID: v.MessageID, Role: "assistant"})
			s.byID[v.MessageID] = len(s.messages) - 1
		}
		s.mu.Unlock()
		if s.handlers.OnMessageStart != nil {
			s.handlers.OnMessageStart(v.MessageID, v.AgentName)
		}

	case event.ContentDelta:
		s.applyContent(v.MessageID, v.Content)
		if s.handlers.OnDelta != nil {
			s.handlers.OnDelta(v.MessageID, v.Content)
		}

	case event.MessageComplete:
		s.applyContent(v.MessageID, v.Content)
		s.clearSendLatch()
		if s.handlers.OnComplete != nil {
			s.handlers.OnComplete(v.MessageID, v.Content)
		}

	case event.StreamError:
		s.clearSendLatch()
		if s.handlers.OnStreamError != nil {
			s.handlers.OnStreamError(v.Message)
		}
	}
}

// applyContent replaces the assistant message text, creating the transcript
// entry if the start frame was missed.
func (s *Session) applyContent(messageID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[messageID]
	if !ok {
		s.messages = append(s.messages, Message{ID: messageID, Role: "assistant"})
		idx = len(s.messages) - 1
		s.byID[messageID] = idx
	}
	s.messages[idx].Content = content
}
