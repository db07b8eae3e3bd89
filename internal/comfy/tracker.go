// -----------------------------------------------------------------------
// Tracker - resolves the outcome of a submitted prompt
// -----------------------------------------------------------------------

package comfy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ternarybob/fresco/internal/common"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultTrackTimeout = 600 * time.Second
)

// ProgressUpdate reports execution progress from the backend websocket
type ProgressUpdate struct {
	Node  string
	Value int
	Max   int
}

// TrackOptions tunes Track; zero values take the defaults
type TrackOptions struct {
	PollInterval     time.Duration
	Timeout          time.Duration
	ProgressCallback func(ProgressUpdate)
}

// Track waits for the backend to finish promptID and returns a definitive
// outcome. It races a history poll against a websocket watch sharing one
// completion gate: the job may finish before the websocket attaches, and the
// websocket may drop mid-stream, but the poll always sees history eventually.
func (c *Client) Track(ctx context.Context, promptID string, opts TrackOptions) TrackingResult {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTrackTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var (
		once   sync.Once
		result TrackingResult
		done   = make(chan struct{})
	)
	settle := func(r TrackingResult) {
		once.Do(func() {
			result = r
			close(done)
		})
	}

	go c.pollHistory(ctx, promptID, opts.PollInterval, settle)
	go c.watchSocket(ctx, promptID, opts.ProgressCallback, settle)

	select {
	case <-done:
		return result
	case <-ctx.Done():
		settle(TrackingResult{Status: TrackingError, Error: "tracking timed out"})
		<-done
		return result
	}
}

// pollHistory asks for the prompt's history record until the gate settles
func (c *Client) pollHistory(ctx context.Context, promptID string, interval time.Duration, settle func(TrackingResult)) {
	log := common.GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entry, err := c.GetHistory(ctx, promptID)
		if err != nil {
			log.Debug().Err(err).Str("prompt_id", promptID).Msg("History poll failed, will retry")
			continue
		}
		if entry == nil {
			continue
		}

		switch entry.Status.StatusStr {
		case "success":
			settle(TrackingResult{Status: TrackingSuccess, History: entry})
			return
		case "error":
			settle(TrackingResult{Status: TrackingError, History: entry, Error: entry.Status.ErrorMessage()})
			return
		}
	}
}

// watchSocket follows the websocket stream until the gate settles or the
// stream ends. A silent stream end is not an outcome; the poll still decides.
func (c *Client) watchSocket(ctx context.Context, promptID string, progress func(ProgressUpdate), settle func(TrackingResult)) {
	log := common.GetLogger()

	messages, err := c.Listen(ctx, promptID)
	if err != nil {
		log.Debug().Err(err).Str("backend", c.baseURL).Msg("Websocket attach failed, relying on poll")
		return
	}

	currentNode := ""
	for msg := range messages {
		var data wsMessageData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				continue
			}
		}

		switch msg.Type {
		case "executing":
			if data.Node != nil {
				currentNode = *data.Node
				if progress != nil {
					progress(ProgressUpdate{Node: currentNode})
				}
			}
		case "progress":
			if progress != nil {
				progress(ProgressUpdate{Node: currentNode, Value: data.Value, Max: data.Max})
			}
		case "execution_success":
			entry, err := c.GetHistory(ctx, promptID)
			if err != nil || entry == nil {
				log.Debug().Err(err).Str("prompt_id", promptID).Msg("History fetch after success failed, relying on poll")
				continue
			}
			settle(TrackingResult{Status: TrackingSuccess, History: entry})
			return
		case "execution_error":
			errMsg := data.ExceptionMessage
			if errMsg == "" {
				errMsg = "execution failed"
			}
			settle(TrackingResult{Status: TrackingError, Error: errMsg})
			return
		case "execution_interrupted":
			settle(TrackingResult{Status: TrackingInterrupted, Error: "execution interrupted"})
			return
		}
	}
}
