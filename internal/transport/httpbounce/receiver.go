package httpbounce

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"
)

// longPollBatch is the bounce-proxy's long-poll response shape: a batch of
// base64-encoded raw message bytes. The wire format is opaque to the
// router, so this envelope is this driver's own business.
type longPollBatch struct {
	Messages []string `json:"messages"`
}

// receiveLoop issues blocking long-poll GETs against the own channel's
// mailbox and hands each returned message to the dispatcher. On connection
// loss it reconnects with bounded backoff.
func (d *Driver) receiveLoop() {
	defer close(d.done)

	backoff := d.cfg.MinReconnect
	url := d.builder.SendURL(d.cfg.OwnChannelID)

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		reqCtx, cancel := context.WithTimeout(d.ctx, d.cfg.LongPollTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			d.log.Error().Err(err).Msg("failed to build long-poll request")
			return
		}

		resp, err := d.client.Do(req)
		cancel()
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.log.Warn().Err(err).Dur("backoff", backoff).Msg("long-poll connection lost; reconnecting")
			d.sleepBackoff(&backoff)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			d.log.Warn().Int("status", resp.StatusCode).Dur("backoff", backoff).Msg("long-poll returned non-200; reconnecting")
			d.sleepBackoff(&backoff)
			continue
		}

		var batch longPollBatch
		decodeErr := json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if decodeErr != nil {
			d.log.Warn().Err(decodeErr).Msg("malformed long-poll batch; dropping")
			continue
		}

		backoff = d.cfg.MinReconnect
		for _, encoded := range batch.Messages {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				d.log.Warn().Err(err).Msg("malformed message in long-poll batch; dropping")
				continue
			}
			d.dispatcher.OnInboundBytes(raw, d.cfg.OwnChannelID)
		}
	}
}

func (d *Driver) sleepBackoff(backoff *time.Duration) {
	select {
	case <-d.ctx.Done():
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > d.cfg.MaxReconnect {
		*backoff = d.cfg.MaxReconnect
	}
}
