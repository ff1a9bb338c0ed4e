package router

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/clustercontroller/internal/message"
	"github.com/baechuer/clustercontroller/internal/replycaller"
	"github.com/baechuer/clustercontroller/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

// syncScheduler runs every task synchronously and immediately, for
// deterministic router tests.
type syncScheduler struct{}

func (syncScheduler) Schedule(task scheduler.Task, _ time.Duration) scheduler.Handle {
	task()
	return scheduler.Handle{}
}
func (syncScheduler) Cancel(scheduler.Handle) {}
func (syncScheduler) Shutdown()               {}

type recordingDriver struct {
	mu   sync.Mutex
	sent []*message.Message
}

func (d *recordingDriver) SendMessage(_ context.Context, addr message.Address, msg *message.Message, decayTime int64, onFailure func(err error)) {
	d.mu.Lock()
	d.sent = append(d.sent, msg)
	d.mu.Unlock()
}
func (d *recordingDriver) Start(context.Context) error { return nil }
func (d *recordingDriver) Stop(context.Context) error  { return nil }

func (d *recordingDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func newTestRouter(cfg Config) (*Router, *recordingDriver) {
	replies := replycaller.NewDirectory(testLogger())
	r := New(testLogger(), cfg, message.JSONCodec, syncScheduler{}, replies)
	drv := &recordingDriver{}
	r.RegisterDriver(message.AddressChannel, drv)
	return r, drv
}

func oneWayMsg(to string) *message.Message {
	m := message.New(message.TypeOneWay, map[string]string{message.HeaderTo: to}, []byte("body"))
	m.SetExpiryDate(time.Now().Add(time.Minute))
	return m
}

func TestRouteDropsExpiredMessage(t *testing.T) {
	r, drv := newTestRouter(Config{})
	msg := message.New(message.TypeOneWay, map[string]string{message.HeaderTo: "p1"}, []byte("x"))
	msg.SetExpiryDate(time.Now().Add(-time.Second))

	r.Route(msg)
	assert.Equal(t, 0, drv.count())
}

func TestRouteDropsUnknownDestinationWhenPolicyIsDrop(t *testing.T) {
	r, drv := newTestRouter(Config{QueueUnknownDestinations: false})
	r.Route(oneWayMsg("ghost"))
	assert.Equal(t, 0, drv.count())
}

func TestRouteParksAndDrainsOnceRouteAppears(t *testing.T) {
	r, drv := newTestRouter(Config{QueueUnknownDestinations: true, PendingQueueMaxPerDest: 10})
	msg := oneWayMsg("p1")

	r.Route(msg)
	assert.Equal(t, 0, drv.count(), "message should be parked, not sent")

	require.NoError(t, r.AddRoute("p1", message.ChannelAddress("http://bp", "p1"), true, false, time.Now().Add(time.Hour)))
	assert.Equal(t, 1, drv.count(), "parked message should drain once the route appears")
}

func TestAddRouteRejectsAliasConflict(t *testing.T) {
	r, _ := newTestRouter(Config{})
	expiry := time.Now().Add(time.Hour)
	require.NoError(t, r.AddRoute("p1", message.ChannelAddress("http://a", "p1"), true, false, expiry))

	err := r.AddRoute("p1", message.ChannelAddress("http://b", "p1"), true, false, expiry)
	assert.ErrorIs(t, err, ErrAliasConflict)
}

func TestAddRouteAllowsSameAddressRefresh(t *testing.T) {
	r, _ := newTestRouter(Config{})
	addr := message.ChannelAddress("http://a", "p1")
	require.NoError(t, r.AddRoute("p1", addr, true, false, time.Now().Add(time.Hour)))
	require.NoError(t, r.AddRoute("p1", addr, true, false, time.Now().Add(time.Minute)))
}

func TestAddRouteAllowsLaterExpiryWithDifferentAddress(t *testing.T) {
	r, _ := newTestRouter(Config{})
	require.NoError(t, r.AddRoute("p1", message.ChannelAddress("http://a", "p1"), true, false, time.Now().Add(time.Hour)))
	require.NoError(t, r.AddRoute("p1", message.ChannelAddress("http://b", "p1"), true, false, time.Now().Add(2*time.Hour)))
}

func TestSubmitRequestRegistersReplyCallerBeforeRouting(t *testing.T) {
	r, drv := newTestRouter(Config{})
	require.NoError(t, r.AddRoute("p1", message.ChannelAddress("http://a", "p1"), true, false, time.Now().Add(time.Hour)))

	msg := message.New(message.TypeRequest, map[string]string{
		message.HeaderTo:             "p1",
		message.HeaderReplyChannelID: "reply-chan",
		message.HeaderRequestReplyID: "rr-1",
	}, []byte("req"))
	msg.SetExpiryDate(time.Now().Add(time.Minute))

	var resolved []byte
	done := make(chan struct{})
	caller := replycaller.New("reply", func(p []byte) { resolved = p; close(done) }, func(error) { close(done) })

	r.SubmitRequest(msg, caller)
	assert.Equal(t, 1, drv.count())

	taken, ok := r.replies.Take("rr-1")
	require.True(t, ok, "reply caller must already be registered")
	taken.Resolve([]byte("reply-payload"))

	<-done
	assert.Equal(t, []byte("reply-payload"), resolved)
}

func TestInboundReplyResolvesWaitingCaller(t *testing.T) {
	r, _ := newTestRouter(Config{})

	var resolved []byte
	done := make(chan struct{})
	caller := replycaller.New("reply", func(p []byte) { resolved = p; close(done) }, func(error) { close(done) })
	r.replies.Register("rr-1", caller, time.Minute)

	reply := message.New(message.TypeReply, map[string]string{
		message.HeaderRequestReplyID: "rr-1",
	}, []byte("payload"))
	reply.SetExpiryDate(time.Now().Add(time.Minute))
	raw, err := message.JSONCodec.Serialize(reply)
	require.NoError(t, err)

	r.OnInboundBytes(raw, "creator")

	<-done
	assert.Equal(t, []byte("payload"), resolved)
}

func TestInboundReplyWithNoWaitingCallerIsDroppedSilently(t *testing.T) {
	r, _ := newTestRouter(Config{})
	reply := message.New(message.TypeReply, map[string]string{
		message.HeaderRequestReplyID: "unknown-rr",
	}, []byte("payload"))
	reply.SetExpiryDate(time.Now().Add(time.Minute))
	raw, err := message.JSONCodec.Serialize(reply)
	require.NoError(t, err)

	assert.NotPanics(t, func() { r.OnInboundBytes(raw, "creator") })
}

func TestInboundRequestDispatchesToLocalHandler(t *testing.T) {
	r, _ := newTestRouter(Config{})

	received := make(chan *message.Message, 1)
	r.RegisterHandler("local-1", HandlerFunc(func(msg *message.Message) { received <- msg }))

	req := message.New(message.TypeRequest, map[string]string{
		message.HeaderTo:             "local-1",
		message.HeaderFrom:           "caller-1",
		message.HeaderReplyChannelID: "reply-chan",
	}, []byte("payload"))
	req.SetExpiryDate(time.Now().Add(time.Minute))
	raw, err := message.JSONCodec.Serialize(req)
	require.NoError(t, err)

	r.OnInboundBytes(raw, "creator")

	select {
	case got := <-received:
		assert.Equal(t, req.MessageID(), got.MessageID())
	case <-time.After(time.Second):
		t.Fatal("handler never received the request")
	}

	_, ok := r.table.lookup("caller-1")
	assert.True(t, ok, "inbound request must create a reply route for its originator")
}

func TestInboundMalformedBytesDroppedSilently(t *testing.T) {
	r, _ := newTestRouter(Config{})
	assert.NotPanics(t, func() { r.OnInboundBytes([]byte("not json"), "creator") })
}

func TestPublicationFansOutToMulticastSubscribers(t *testing.T) {
	r, _ := newTestRouter(Config{})

	got1 := make(chan struct{}, 1)
	got2 := make(chan struct{}, 1)
	r.RegisterHandler("sub-1", HandlerFunc(func(*message.Message) { got1 <- struct{}{} }))
	r.RegisterHandler("sub-2", HandlerFunc(func(*message.Message) { got2 <- struct{}{} }))
	r.SubscribeMulticast("mc-1", "sub-1")
	r.SubscribeMulticast("mc-1", "sub-2")

	pub := message.New(message.TypePublication, map[string]string{message.HeaderTo: "mc-1"}, []byte("data"))
	pub.SetExpiryDate(time.Now().Add(time.Minute))
	raw, err := message.JSONCodec.Serialize(pub)
	require.NoError(t, err)

	r.OnInboundBytes(raw, "creator")

	select {
	case <-got1:
	case <-time.After(time.Second):
		t.Fatal("sub-1 never received the publication")
	}
	select {
	case <-got2:
	case <-time.After(time.Second):
		t.Fatal("sub-2 never received the publication")
	}
}

func TestSweepRoutingTableRemovesExpiredNonStickyEntries(t *testing.T) {
	r, _ := newTestRouter(Config{})
	require.NoError(t, r.AddRoute("expired", message.ChannelAddress("http://a", "expired"), true, false, time.Now().Add(-time.Second)))
	require.NoError(t, r.AddRoute("sticky", message.ChannelAddress("http://a", "sticky"), true, true, time.Now().Add(-time.Second)))
	require.NoError(t, r.AddRoute("fresh", message.ChannelAddress("http://a", "fresh"), true, false, time.Now().Add(time.Hour)))

	r.SweepRoutingTable()

	_, ok := r.table.lookup("expired")
	assert.False(t, ok)
	_, ok = r.table.lookup("sticky")
	assert.True(t, ok, "sticky entries survive the sweep regardless of expiry")
	_, ok = r.table.lookup("fresh")
	assert.True(t, ok)
}
