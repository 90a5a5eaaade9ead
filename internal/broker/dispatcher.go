package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ebusgw/ebusd/ebus"
	"github.com/ebusgw/ebusd/internal/devices"
	"github.com/ebusgw/ebusd/internal/logger"
	"github.com/ebusgw/ebusd/internal/scheduler"
	"github.com/ebusgw/ebusd/internal/store"
)

// pacingInterval governs both the incoming and outgoing action queues: the
// broker task is the lowest-priority cooperating task and yields between
// every action rather than draining a queue in a tight loop.
const pacingInterval = 25 * time.Millisecond

// request is the decoded shape of every broker message id from §6.
type request struct {
	ID        string   `json:"id"`
	Keys      []string `json:"keys,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	Full      bool     `json:"full,omitempty"`
	Vendor    bool     `json:"vendor,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	Enable    *bool    `json:"enable,omitempty"`
	Filters   []string `json:"filters,omitempty"`
	Key       string   `json:"key,omitempty"`
	Value     float64  `json:"value,omitempty"`
}

type response struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Bytes   int64  `json:"bytes,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Dispatcher is the broker task: it decodes the request surface, drives the
// scheduler/store/devices collaborators, and publishes responses and
// passive value updates back onto the broker.
type Dispatcher struct {
	client    *Client
	scheduler *scheduler.Scheduler
	store     *store.Store
	devices   *devices.Registry
	handler   *ebus.Handler
	backend   store.Backend
	address   byte

	requestTopic  string
	responseTopic string

	log *slog.Logger

	inbound  chan request
	outbound chan func()
}

// New returns a Dispatcher. topicPrefix namespaces every subject this
// dispatcher uses: requests arrive on "<prefix>.request" and replies go to
// "<prefix>.response"; command values are published on
// "<prefix>.request.value.<key>" and raw exchanges on "<prefix>.request.<kind>".
func New(client *Client, sched *scheduler.Scheduler, st *store.Store, devReg *devices.Registry, handler *ebus.Handler, backend store.Backend, address byte, topicPrefix string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:        client,
		scheduler:     sched,
		store:         st,
		devices:       devReg,
		handler:       handler,
		backend:       backend,
		address:       address,
		requestTopic:  topicPrefix + ".request",
		responseTopic: topicPrefix + ".response",
		log:           log,
		inbound:       make(chan request, 256),
		outbound:      make(chan func(), 256),
	}
}

// Run subscribes to the request topic and drains both action queues on
// pacingInterval ticks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.client.Subscribe(d.requestTopic, d.onMessage); err != nil {
		return err
	}

	inTicker := time.NewTicker(pacingInterval)
	outTicker := time.NewTicker(pacingInterval)
	defer inTicker.Stop()
	defer outTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inTicker.C:
			select {
			case req := <-d.inbound:
				d.handle(req)
			default:
			}
		case <-outTicker.C:
			select {
			case action := <-d.outbound:
				action()
			default:
			}
		}
	}
}

func (d *Dispatcher) onMessage(_ string, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		d.log.Warn("broker: malformed request", logger.Err(err))
		return
	}
	select {
	case d.inbound <- req:
	default:
		d.log.Warn("broker: inbound queue full, dropping request", slog.String("id", req.ID))
	}
}

func (d *Dispatcher) reply(r response) {
	select {
	case d.outbound <- func() { d.publishJSON(d.responseTopic, r) }:
	default:
		d.log.Warn("broker: outbound queue full, dropping response", slog.String("id", r.ID))
	}
}

func (d *Dispatcher) publishJSON(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		d.log.Error("broker: marshal failed", logger.Err(err))
		return
	}
	if err := d.client.Publish(topic, payload); err != nil {
		d.log.Warn("broker: publish failed", logger.Err(err))
	}
}

func (d *Dispatcher) handle(req request) {
	switch req.ID {
	case "restart":
		d.reply(response{ID: req.ID, OK: true})

	case "insert":
		d.handleInsert(req)

	case "remove":
		d.handleRemove(req)

	case "publish":
		for _, c := range d.store.All() {
			d.PublishValue(c)
		}
		d.reply(response{ID: req.ID, OK: true})

	case "load":
		n := d.store.LoadCommands(d.backend)
		d.reply(response{ID: req.ID, OK: n >= 0, Bytes: n})

	case "save":
		n := d.store.SaveCommands(d.backend)
		d.reply(response{ID: req.ID, OK: n >= 0, Bytes: n})

	case "wipe":
		n := d.store.WipeCommands(d.backend)
		d.store.RemoveAll()
		d.reply(response{ID: req.ID, OK: n >= 0, Bytes: n})

	case "scan":
		d.handleScan(req)

	case "devices":
		d.reply(response{ID: req.ID, OK: true, Payload: d.devicePayload()})

	case "send":
		for _, hexCmd := range req.Commands {
			d.scheduler.HandleSend(ebus.FromHex(hexCmd))
		}
		d.reply(response{ID: req.ID, OK: true})

	case "forward":
		d.scheduler.ToggleForward(req.Enable != nil && *req.Enable)
		filters := make([][]byte, 0, len(req.Filters))
		for _, f := range req.Filters {
			filters = append(filters, ebus.FromHex(f))
		}
		d.scheduler.SetForwardFilter(filters)
		d.reply(response{ID: req.ID, OK: true})

	case "reset":
		d.scheduler.ResetCounter()
		d.handler.ResetCounters()
		d.reply(response{ID: req.ID, OK: true})

	case "read":
		d.handleRead(req)

	case "write":
		d.handleWrite(req)

	default:
		d.reply(response{ID: req.ID, OK: false, Error: "unknown message id"})
	}
}

func (d *Dispatcher) handleInsert(req request) {
	for _, raw := range req.Commands {
		if msg := store.Evaluate([]byte(raw)); msg != "" {
			d.reply(response{ID: req.ID, OK: false, Error: msg})
			continue
		}
		cmd, err := store.BuildCommand([]byte(raw))
		if err != nil {
			d.reply(response{ID: req.ID, OK: false, Error: err.Error()})
			continue
		}
		d.store.Insert(cmd)
	}
	d.reply(response{ID: req.ID, OK: true})
}

func (d *Dispatcher) handleRemove(req request) {
	if len(req.Keys) == 0 {
		d.store.RemoveAll()
	} else {
		for _, key := range req.Keys {
			d.store.Remove(key)
		}
	}
	d.reply(response{ID: req.ID, OK: true})
}

func (d *Dispatcher) handleScan(req request) {
	switch {
	case req.Full:
		d.scheduler.HandleScanFull()
	case req.Vendor:
		d.scheduler.HandleScanVendor()
	case len(req.Addresses) > 0:
		addrs := make([]byte, 0, len(req.Addresses))
		for _, a := range req.Addresses {
			if b := ebus.FromHex(a); len(b) == 1 {
				addrs = append(addrs, b[0])
			}
		}
		d.scheduler.HandleScanAddresses(addrs)
	default:
		d.scheduler.HandleScan()
	}
	d.reply(response{ID: req.ID, OK: true})
}

func (d *Dispatcher) handleRead(req request) {
	cmd, ok := d.store.Find(req.Key)
	if !ok {
		d.reply(response{ID: req.ID, OK: false, Error: store.ErrUnknownKey.Error()})
		return
	}
	d.PublishValue(cmd)
	d.reply(response{ID: req.ID, OK: true})
}

func (d *Dispatcher) handleWrite(req request) {
	cmd, ok := d.store.Find(req.Key)
	if !ok || len(cmd.WriteCmd) == 0 {
		d.reply(response{ID: req.ID, OK: false, Error: store.ErrUnknownKey.Error()})
		return
	}
	encoded, err := cmd.EncodeWrite(req.Value)
	if err != nil {
		d.reply(response{ID: req.ID, OK: false, Error: err.Error()})
		return
	}
	d.scheduler.HandleWrite(append(append([]byte{}, cmd.WriteCmd...), encoded...))
	d.reply(response{ID: req.ID, OK: true})
}

func (d *Dispatcher) devicePayload() []map[string]string {
	all := d.devices.All()
	out := make([]map[string]string, 0, len(all))
	for _, dev := range all {
		out = append(out, map[string]string{
			"slave":        ebus.ToHex([]byte{dev.Slave}),
			"manufacturer": dev.Manufacturer(),
			"unit_id":      dev.UnitID(),
			"software":     dev.Software(),
			"hardware":     dev.Hardware(),
			"product":      dev.Product(),
			"config":       dev.EbusdConfiguration(),
		})
	}
	return out
}

// PublishValue publishes handle's current reading on the value topic,
// satisfying scheduler.Publisher.
func (d *Dispatcher) PublishValue(handle any) {
	snap, ok := d.store.Snapshot(handle)
	if !ok {
		return
	}
	select {
	case d.outbound <- func() { d.publishJSON(d.topicFor(snap.Key), snap) }:
	default:
	}
}

// PublishData publishes a raw master/slave exchange (send/write/forward
// results) on a kind-scoped topic, satisfying scheduler.Publisher.
func (d *Dispatcher) PublishData(kind string, master, slave []byte) {
	payload := map[string]string{
		"kind":   kind,
		"master": ebus.ToHex(master),
		"slave":  ebus.ToHex(slave),
	}
	select {
	case d.outbound <- func() { d.publishJSON(d.requestTopic+"."+kind, payload) }:
	default:
	}
}

func (d *Dispatcher) topicFor(key string) string {
	return d.requestTopic + ".value." + key
}
