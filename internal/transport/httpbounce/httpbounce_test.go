package httpbounce

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baechuer/clustercontroller/internal/bounceproxyurl"
	"github.com/baechuer/clustercontroller/internal/message"
	"github.com/baechuer/clustercontroller/internal/scheduler"
	"github.com/baechuer/clustercontroller/internal/urlselector"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type fakeDispatcher struct {
	received chan []byte
}

func (f *fakeDispatcher) OnInboundBytes(raw []byte, creatorID string) {
	f.received <- raw
}

type fixedDirectory struct{ urls []string }

func (d fixedDirectory) Lookup(string) ([]string, error) { return d.urls, nil }

func TestSendMessageSucceedsOn201(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := bounceproxyurl.NewBuilder(srv.URL)
	sel := urlselector.New(testLogger(), 0.4, time.Minute, b, fixedDirectory{urls: []string{srv.URL + "/channels/c1"}})
	sched := scheduler.NewCooperative(testLogger())
	defer sched.Shutdown()
	disp := &fakeDispatcher{received: make(chan []byte, 4)}
	d := New(testLogger(), srv.Client(), b, sel, sched, message.JSONCodec, disp, Config{
		RetryInterval: 100 * time.Millisecond,
	})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	msg := message.New(message.TypeOneWay, map[string]string{message.HeaderTo: "c1"}, []byte("hi"))
	msg.SetExpiryDate(time.Now().Add(time.Minute))

	var failed atomic.Bool
	d.SendMessage(context.Background(), message.ChannelAddress(srv.URL, "c1"), msg, msg2expiry(msg), func(error) { failed.Store(true) })

	assert.Equal(t, "application/json", gotContentType)
	assert.False(t, failed.Load())
}

func TestSendMessageRetriesOnNon201(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := bounceproxyurl.NewBuilder(srv.URL)
	sel := urlselector.New(testLogger(), 0.4, time.Minute, b, fixedDirectory{urls: []string{srv.URL + "/channels/c1"}})
	sched := scheduler.NewCooperative(testLogger())
	defer sched.Shutdown()
	disp := &fakeDispatcher{received: make(chan []byte, 4)}
	d := New(testLogger(), srv.Client(), b, sel, sched, message.JSONCodec, disp, Config{
		RetryInterval: 5 * time.Millisecond,
	})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	msg := message.New(message.TypeOneWay, map[string]string{message.HeaderTo: "c1"}, []byte("hi"))
	msg.SetExpiryDate(time.Now().Add(time.Minute))

	d.SendMessage(context.Background(), message.ChannelAddress(srv.URL, "c1"), msg, msg2expiry(msg), nil)

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, time.Second, 10*time.Millisecond)
}

func TestSendMessageDropsPastDecayTimeWithoutRetryOrCallback(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := bounceproxyurl.NewBuilder(srv.URL)
	sel := urlselector.New(testLogger(), 0.4, time.Minute, b, fixedDirectory{urls: []string{srv.URL + "/channels/c1"}})
	sched := scheduler.NewCooperative(testLogger())
	defer sched.Shutdown()
	disp := &fakeDispatcher{received: make(chan []byte, 4)}
	d := New(testLogger(), srv.Client(), b, sel, sched, message.JSONCodec, disp, Config{RetryInterval: 5 * time.Millisecond})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	msg := message.New(message.TypeOneWay, map[string]string{message.HeaderTo: "c1"}, []byte("hi"))
	pastExpiry := time.Now().Add(-time.Second)
	msg.SetExpiryDate(pastExpiry)

	var failed atomic.Bool
	d.SendMessage(context.Background(), message.ChannelAddress(srv.URL, "c1"), msg, pastExpiry.UnixMilli(), func(error) { failed.Store(true) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), attempts.Load())
	assert.False(t, failed.Load())
}

func TestReceiveLoopDispatchesDecodedMessages(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	encoded := base64.StdEncoding.EncodeToString(payload)
	served := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case served <- struct{}{}:
			_ = json.NewEncoder(w).Encode(longPollBatch{Messages: []string{encoded}})
		default:
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	b := bounceproxyurl.NewBuilder(srv.URL)
	sel := urlselector.New(testLogger(), 0.4, time.Minute, b, fixedDirectory{urls: []string{srv.URL + "/channels/c1"}})
	sched := scheduler.NewCooperative(testLogger())
	defer sched.Shutdown()
	disp := &fakeDispatcher{received: make(chan []byte, 4)}
	d := New(testLogger(), srv.Client(), b, sel, sched, message.JSONCodec, disp, Config{
		OwnChannelID:    "own",
		LongPollTimeout: 200 * time.Millisecond,
		MinReconnect:    5 * time.Millisecond,
		MaxReconnect:    20 * time.Millisecond,
	})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	select {
	case got := <-disp.received:
		assert.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("receive loop never dispatched the message")
	}
}

func msg2expiry(m *message.Message) int64 {
	t, _ := m.ExpiryDate()
	return t.UnixMilli()
}
