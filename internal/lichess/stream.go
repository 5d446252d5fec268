package lichess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// streamIdleTimeout is how long a stream may go without any bytes,
	// keepalives included, before the watchdog declares it stalled.
	streamIdleTimeout = 60 * time.Second
	// maxStreamLine bounds a single NDJSON line. gameFull frames carry
	// the whole move list, so this is generous.
	maxStreamLine = 1 << 20
)

// StreamEvents opens the account event stream. The returned channel
// closes after a terminal frame: either one carrying Err, or silently on
// context cancellation and clean EOF. The client never reconnects on its
// own; the consumer decides whether and when to reopen.
func (c *Client) StreamEvents(ctx context.Context) (<-chan EventFrame, error) {
	const path = "/api/stream/event"
	body, err := c.openStream(ctx, path)
	if err != nil {
		return nil, err
	}
	frames := make(chan EventFrame)
	go func() {
		defer close(frames)
		c.pumpStream(ctx, path, body, func(line []byte) error {
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				c.logger.Warn().Err(err).Str("line", truncateBody(line)).Msg("skipping undecodable event")
				return nil
			}
			return deliver(ctx, frames, EventFrame{Event: ev})
		}, func(err error) {
			_ = deliver(ctx, frames, EventFrame{Err: err})
		})
	}()
	return frames, nil
}

// StreamGame opens the state stream for one game. Frame delivery follows
// the same contract as StreamEvents.
func (c *Client) StreamGame(ctx context.Context, gameID string) (<-chan GameFrame, error) {
	path := fmt.Sprintf("/api/bot/game/stream/%s", gameID)
	body, err := c.openStream(ctx, path)
	if err != nil {
		return nil, err
	}
	frames := make(chan GameFrame)
	go func() {
		defer close(frames)
		c.pumpStream(ctx, path, body, func(line []byte) error {
			frame, err := decodeGameFrame(line)
			if err != nil {
				c.logger.Warn().Err(err).Str("line", truncateBody(line)).Msg("skipping undecodable game frame")
				return nil
			}
			if frame.Type == "" {
				return nil
			}
			return deliver(ctx, frames, frame)
		}, func(err error) {
			_ = deliver(ctx, frames, GameFrame{Err: err})
		})
	}()
	return frames, nil
}

// openStream issues the GET and returns the response body. Streams run
// without a request deadline; liveness is the watchdog's job.
func (c *Client) openStream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &APIError{Kind: KindTransport, Endpoint: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &APIError{Kind: KindCancelled, Endpoint: path, Err: ctx.Err()}
		}
		return nil, &APIError{Kind: KindTransport, Endpoint: path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Endpoint:   path,
		}
		c.logger.Debug().
			Str("endpoint", path).
			Int("status", resp.StatusCode).
			Str("body", truncateBody(body)).
			Msg("stream open failed")
		return nil, apiErr
	}
	return resp.Body, nil
}

// pumpStream reads NDJSON lines off body, feeding non-empty lines to
// handle and resetting the idle watchdog on every line, empty keepalives
// included. fail is invoked exactly once with the terminal error, if any.
func (c *Client) pumpStream(ctx context.Context, path string, body io.ReadCloser, handle func([]byte) error, fail func(error)) {
	defer body.Close()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			scanErr <- err
		}
	}()

	idle := time.NewTimer(streamIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			c.logger.Warn().Str("endpoint", path).Msg("stream idle past watchdog window")
			fail(&APIError{Kind: KindStalled, Endpoint: path})
			return
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if ctx.Err() != nil {
						return
					}
					fail(&APIError{Kind: KindTransport, Endpoint: path, Err: err})
				default:
					// Clean EOF: server closed an exhausted stream.
				}
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(streamIdleTimeout)
			if len(bytes.TrimSpace(line)) == 0 {
				continue // keepalive
			}
			if err := handle(line); err != nil {
				return
			}
		}
	}
}

func decodeGameFrame(line []byte) (GameFrame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return GameFrame{}, err
	}
	frame := GameFrame{Type: head.Type}
	switch head.Type {
	case FrameGameFull:
		frame.Full = &GameFull{}
		return frame, json.Unmarshal(line, frame.Full)
	case FrameGameState:
		frame.State = &GameState{}
		return frame, json.Unmarshal(line, frame.State)
	case FrameChatLine:
		frame.Chat = &ChatLine{}
		return frame, json.Unmarshal(line, frame.Chat)
	case FrameOpponentGone:
		frame.Gone = &OpponentGone{}
		return frame, json.Unmarshal(line, frame.Gone)
	default:
		// Unknown frame types are skipped, the protocol grows over time.
		return GameFrame{}, nil
	}
}

// deliver sends v unless ctx ends first. The send error doubles as a
// stop signal for pumpStream's handle callback.
func deliver[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
