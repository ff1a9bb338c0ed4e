// Package httpbounce implements the HTTP long-poll bounce-proxy transport
// driver: an attempt/backoff/reschedule loop per outbound message, driven
// by the scheduler instead of a ticker.
package httpbounce

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/baechuer/clustercontroller/internal/bounceproxyurl"
	"github.com/baechuer/clustercontroller/internal/logger"
	"github.com/baechuer/clustercontroller/internal/message"
	"github.com/baechuer/clustercontroller/internal/scheduler"
	"github.com/baechuer/clustercontroller/internal/transport"
	"github.com/baechuer/clustercontroller/internal/urlselector"
	"github.com/rs/zerolog"
)

const (
	attemptTimeoutFraction = 3
	minAttemptTimeout      = 2 * time.Second
	minRetryDelay          = 10 * time.Millisecond
)

// Config carries the bounce-proxy driver's deployment-tunable knobs.
type Config struct {
	MaxAttemptTTL   time.Duration
	RetryInterval   time.Duration
	LongPollTimeout time.Duration
	MinReconnect    time.Duration
	MaxReconnect    time.Duration
	OwnChannelID    string
}

// Driver implements transport.Driver over the bounce-proxy's HTTP API.
type Driver struct {
	log        zerolog.Logger
	client     *http.Client
	builder    bounceproxyurl.Builder
	selector   *urlselector.Selector
	scheduler  scheduler.Scheduler
	codec      message.Codec
	dispatcher transport.Dispatcher
	cfg        Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log zerolog.Logger, client *http.Client, builder bounceproxyurl.Builder, selector *urlselector.Selector, sched scheduler.Scheduler, codec message.Codec, dispatcher transport.Dispatcher, cfg Config) *Driver {
	if client == nil {
		client = &http.Client{}
	}
	return &Driver{
		log:        log.With().Str("component", "httpbounce").Logger(),
		client:     client,
		builder:    builder,
		selector:   selector,
		scheduler:  sched,
		codec:      codec,
		dispatcher: dispatcher,
		cfg:        cfg,
		done:       make(chan struct{}),
	}
}

func (d *Driver) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	if d.cfg.OwnChannelID != "" {
		go d.receiveLoop()
	} else {
		close(d.done)
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// SendMessage is the body of a SendTask. It blocks for at most one attempt's timeout, then either
// completes or reschedules itself via the scheduler. ctx carries the
// message's trace id (see internal/pkg/reqctx) through every log line
// emitted across retries, not just the first attempt.
func (d *Driver) SendMessage(ctx context.Context, addr message.Address, msg *message.Message, decayTime int64, onFailure func(err error)) {
	d.attempt(ctx, addr, msg, decayTime, onFailure)
}

func (d *Driver) attempt(ctx context.Context, addr message.Address, msg *message.Message, decayTime int64, onFailure func(err error)) {
	log := logger.WithCtx(ctx)

	now := time.Now()
	if now.UnixMilli() > decayTime {
		log.Debug().Str("channel_id", addr.ChannelID).Str("message_id", msg.MessageID()).
			Msg("decay time passed before send attempt; dropping without retry")
		return
	}

	remainingTTL := time.UnixMilli(decayTime).Sub(now)
	attemptTimeout := remainingTTL / attemptTimeoutFraction
	if attemptTimeout < minAttemptTimeout {
		attemptTimeout = minAttemptTimeout
	}
	if d.cfg.MaxAttemptTTL > 0 && attemptTimeout > d.cfg.MaxAttemptTTL {
		attemptTimeout = d.cfg.MaxAttemptTTL
	}

	url := d.selector.ObtainURL(addr.ChannelID)

	payload, err := d.codec.Serialize(msg)
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.MessageID()).Msg("serialization failed; dropping")
		if onFailure != nil {
			onFailure(err)
		}
		return
	}

	reqCtx, cancel := context.WithTimeout(d.rootCtx(), attemptTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Error().Err(err).Msg("failed to build send request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, reqErr := d.client.Do(req)
	elapsed := time.Since(start)
	if reqErr == nil && resp.StatusCode == http.StatusCreated {
		resp.Body.Close()
		d.selector.Feedback(true, addr.ChannelID, url)
		return
	}
	if resp != nil {
		resp.Body.Close()
	}

	d.selector.Feedback(false, addr.ChannelID, url)
	if reqErr != nil {
		log.Debug().Err(reqErr).Str("url", url).Msg("send attempt failed")
	} else {
		log.Debug().Int("status", resp.StatusCode).Str("url", url).Msg("send attempt rejected")
	}

	delay := d.cfg.RetryInterval - elapsed
	if delay < minRetryDelay {
		delay = minRetryDelay
	}
	d.scheduler.Schedule(func() { d.attempt(ctx, addr, msg, decayTime, onFailure) }, delay)
}

func (d *Driver) rootCtx() context.Context {
	if d.ctx != nil {
		return d.ctx
	}
	return context.Background()
}
