package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebusgw/ebusd/ebus"
	"github.com/ebusgw/ebusd/internal/devices"
	"github.com/ebusgw/ebusd/internal/logger"
	"github.com/ebusgw/ebusd/internal/scheduler"
	"github.com/ebusgw/ebusd/internal/store"
)

// noopUART discards every byte, just enough to satisfy ebus.Handler's UART
// collaborator for a dispatcher under test that never drives a real bus.
type noopUART struct{}

func (noopUART) WriteByte(byte) error { return nil }

// noopPublisher satisfies scheduler.Publisher without forwarding anywhere;
// the dispatcher under test is its own publisher via PublishValue/Data.
type noopPublisher struct{}

func (noopPublisher) PublishValue(any)                            {}
func (noopPublisher) PublishData(kind string, master, slave []byte) {}

// memBackend is an in-memory store.Backend fake, mirroring the teacher's
// in-memory persistence test doubles.
type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string][]byte)} }

func (m *memBackend) Get(scope string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[scope]
	return v, ok, nil
}

func (m *memBackend) Put(scope string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[scope] = data
	return nil
}

func (m *memBackend) Delete(scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, scope)
	return nil
}

// startEmbeddedNATS boots an in-process NATS server on an ephemeral port,
// the idiomatic way to exercise a nats.go client without a network
// dependency: github.com/nats-io/nats-server/v2/server embeds the whole
// broker in-process for exactly this purpose.
func startEmbeddedNATS(t *testing.T) string {
	t.Helper()

	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server did not become ready in time")
	}
	t.Cleanup(srv.Shutdown)

	return srv.ClientURL()
}

type testDispatcher struct {
	dispatcher *Dispatcher
	store      *store.Store
	devices    *devices.Registry
	backend    *memBackend
	nc         *nats.Conn
}

func newTestDispatcher(t *testing.T, url string) *testDispatcher {
	t.Helper()

	client, err := Connect(Config{URL: url, TopicPrefix: "ebusd.test"}, logger.With())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	st := store.New()
	devReg := devices.New(0x10)
	handler := ebus.NewHandler(0x10, noopUART{}, func() bool { return true })
	sched := scheduler.New(handler, st, devReg, noopPublisher{}, 0x10, scheduler.Config{
		ActiveCommandTimeout: time.Second,
		DistanceScans:        time.Minute,
		DistanceFullScans:    time.Minute,
		MaxStartupScans:      1,
	}, logger.With())
	backend := newMemBackend()

	d := New(client, sched, st, devReg, handler, backend, 0x10, "ebusd.test", logger.With())

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return &testDispatcher{dispatcher: d, store: st, devices: devReg, backend: backend, nc: nc}
}

func (td *testDispatcher) roundTrip(t *testing.T, req map[string]any) response {
	t.Helper()

	payload, err := json.Marshal(req)
	require.NoError(t, err)

	sub, err := td.nc.SubscribeSync("ebusd.test.response")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, td.nc.Flush())

	require.NoError(t, td.nc.Publish("ebusd.test.request", payload))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err, "no response received for request id %v", req["id"])

	var resp response
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	return resp
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()
}

func TestDispatcherInsertThenPublish(t *testing.T) {
	t.Parallel()

	url := startEmbeddedNATS(t)
	td := newTestDispatcher(t, url)
	runDispatcher(t, td.dispatcher)

	def := `{"key":"outside_temp","name":"Outside Temperature","read_cmd":"B51100","active":true,"interval":60,"from_master":true,"position":1,"datatype":"UINT16","divider":10,"digits":1}`

	resp := td.roundTrip(t, map[string]any{"id": "insert", "commands": []string{def}})
	require.True(t, resp.OK, "insert response: %+v", resp)

	cmd, ok := td.store.Find("outside_temp")
	require.True(t, ok, "inserted command must be findable in the store")
	assert.Equal(t, []byte{0xB5, 0x11, 0x00}, cmd.ReadCmd)

	resp = td.roundTrip(t, map[string]any{"id": "publish"})
	assert.True(t, resp.OK)
}

func TestDispatcherInsertRejectsInvalidDefinition(t *testing.T) {
	t.Parallel()

	url := startEmbeddedNATS(t)
	td := newTestDispatcher(t, url)
	runDispatcher(t, td.dispatcher)

	resp := td.roundTrip(t, map[string]any{"id": "insert", "commands": []string{`{"key":"","read_cmd":"zz"}`}})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)

	_, ok := td.store.Find("")
	assert.False(t, ok)
}

func TestDispatcherUnknownMessageID(t *testing.T) {
	t.Parallel()

	url := startEmbeddedNATS(t)
	td := newTestDispatcher(t, url)
	runDispatcher(t, td.dispatcher)

	resp := td.roundTrip(t, map[string]any{"id": "not-a-real-id"})
	assert.False(t, resp.OK)
	assert.Equal(t, "unknown message id", resp.Error)
}

func TestDispatcherRemoveAll(t *testing.T) {
	t.Parallel()

	url := startEmbeddedNATS(t)
	td := newTestDispatcher(t, url)
	runDispatcher(t, td.dispatcher)

	def := `{"key":"k1","read_cmd":"B51100","position":1,"datatype":"UINT8"}`
	resp := td.roundTrip(t, map[string]any{"id": "insert", "commands": []string{def}})
	require.True(t, resp.OK)
	_, ok := td.store.Find("k1")
	require.True(t, ok)

	resp = td.roundTrip(t, map[string]any{"id": "remove"})
	assert.True(t, resp.OK)
	_, ok = td.store.Find("k1")
	assert.False(t, ok, "remove with no keys clears every command")
}

func TestDispatcherSaveLoadWipeRoundTrip(t *testing.T) {
	t.Parallel()

	url := startEmbeddedNATS(t)
	td := newTestDispatcher(t, url)
	runDispatcher(t, td.dispatcher)

	def := `{"key":"k1","read_cmd":"B51100","position":1,"datatype":"UINT8"}`
	resp := td.roundTrip(t, map[string]any{"id": "insert", "commands": []string{def}})
	require.True(t, resp.OK)

	resp = td.roundTrip(t, map[string]any{"id": "save"})
	require.True(t, resp.OK)
	assert.Positive(t, resp.Bytes)

	resp = td.roundTrip(t, map[string]any{"id": "wipe"})
	require.True(t, resp.OK)
	assert.Positive(t, resp.Bytes)

	resp = td.roundTrip(t, map[string]any{"id": "load"})
	require.True(t, resp.OK)
	assert.Zero(t, resp.Bytes, "nothing left persisted after wipe")
}
