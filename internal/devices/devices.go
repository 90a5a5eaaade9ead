// Package devices maintains the discovered-device registry: one entry per
// slave address, merged from identification and vendor-extension probes
// observed passively or returned from active scan commands.
package devices

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ebusgw/ebusd/ebus"
)

// vendorVaillant is the manufacturer code that unlocks the four-block
// extended identification probe.
const vendorVaillant = 0xB5

var manufacturers = map[byte]string{
	0x06: "Dungs", 0x0F: "FH Ostfalia", 0x10: "TEM", 0x11: "Lamberti",
	0x14: "CEB", 0x15: "Landis-Staefa", 0x16: "FERRO", 0x17: "MONDIAL",
	0x18: "Wikon", 0x19: "Wolf", 0x20: "RAWE", 0x30: "Satronic",
	0x40: "ENCON", 0x50: "Kromschroeder", 0x60: "Eberle", 0x65: "EBV",
	0x75: "Graesslin", 0x85: "ebm-papst", 0x95: "SIG", 0xA5: "Theben",
	0xA7: "Thermowatt", 0xB5: "Vaillant", 0xC0: "Toby", 0xC5: "Weishaupt",
	0xFD: "ebusd.eu",
}

var (
	bodyIdentification = []byte{0x07, 0x04, 0x00}
	vendorBlocks       = [4][]byte{
		{0xB5, 0x09, 0x01, 0x24},
		{0xB5, 0x09, 0x01, 0x25},
		{0xB5, 0x09, 0x01, 0x26},
		{0xB5, 0x09, 0x01, 0x27},
	}
)

// Device is one discovered slave's merged identification state.
type Device struct {
	Slave byte

	identification []byte
	vendorBlock    [4][]byte
}

// Manufacturer returns the decoded manufacturer name, or "" if not yet
// identified.
func (d *Device) Manufacturer() string {
	if len(d.identification) > 1 {
		if name, ok := manufacturers[d.identification[1]]; ok {
			return name
		}
	}
	return ""
}

// UnitID returns the 5-character ASCII unit identifier from the base
// identification response.
func (d *Device) UnitID() string {
	return ebus.DecodeString(ebus.Range(d.identification, 2, 5))
}

// Software and Hardware return the raw version-pair bytes from the base
// identification response, hex-formatted.
func (d *Device) Software() string { return ebus.ToHex(ebus.Range(d.identification, 7, 2)) }
func (d *Device) Hardware() string { return ebus.ToHex(ebus.Range(d.identification, 9, 2)) }

func (d *Device) isVaillant() bool {
	return len(d.identification) > 1 && d.identification[1] == vendorVaillant
}

func (d *Device) isVaillantComplete() bool {
	for _, b := range d.vendorBlock {
		if len(b) == 0 {
			return false
		}
	}
	return true
}

// Product returns the Vaillant serial-derived product code, once all four
// vendor blocks have been observed; "" otherwise (or for non-Vaillant
// devices).
func (d *Device) Product() string {
	if !d.isVaillant() || !d.isVaillantComplete() {
		return ""
	}
	serial := ebus.DecodeString(ebus.Range(d.vendorBlock[0], 2, 8))
	serial += ebus.DecodeString(ebus.Range(d.vendorBlock[1], 1, 9))
	serial += ebus.DecodeString(ebus.Range(d.vendorBlock[2], 1, 9))
	serial += ebus.DecodeString(ebus.Range(d.vendorBlock[3], 1, 2))
	if len(serial) < 16 {
		return ""
	}
	end := len(serial)
	if end > 16 {
		end = 16
	}
	return serial[6:end]
}

// EbusdConfiguration renders the "ZZ.unitid*" configuration-file-style
// presentation string forwarded to the broker/HA collaborator.
func (d *Device) EbusdConfiguration() string {
	conf := fmt.Sprintf("%02x", d.Slave)

	unitid := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, d.UnitID())

	for len(unitid) > 3 && strings.HasSuffix(unitid, "0") {
		unitid = unitid[:len(unitid)-1]
	}
	unitid = strings.ToLower(unitid)

	if unitid != "" {
		conf += "." + unitid + "*"
	} else {
		conf += ".*"
	}
	return conf
}

// ScanCommand builds the base identification probe body for slave.
func ScanCommand(slave byte) []byte {
	return append([]byte{slave}, bodyIdentification...)
}

// ScanCommandsVendor returns the vendor-extension probes still needed for
// this device (empty once all four Vaillant blocks are populated, or for
// any non-Vaillant device).
func (d *Device) ScanCommandsVendor() [][]byte {
	if !d.isVaillant() {
		return nil
	}
	var commands [][]byte
	for i, block := range d.vendorBlock {
		if len(block) == 0 {
			commands = append(commands, append([]byte{d.Slave}, vendorBlocks[i]...))
		}
	}
	return commands
}

// Registry is the slave_address -> Device discovery map.
type Registry struct {
	myTarget byte

	mu      sync.Mutex
	devices map[byte]*Device
}

// New returns an empty Registry. myTarget is this node's own slave address;
// the registry stores it but does not filter on it.
func New(myTarget byte) *Registry {
	return &Registry{myTarget: myTarget, devices: make(map[byte]*Device)}
}

// Update classifies master/slave by the service bytes at offset 2 of master
// and merges the slave response into the addressed device's entry.
func (r *Registry) Update(master, slave []byte) {
	if len(master) < 2 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	addr := master[1]
	d, ok := r.devices[addr]
	if !ok {
		d = &Device{Slave: addr}
		r.devices[addr] = d
	}

	switch {
	case ebus.Contains(master, bodyIdentification, 2):
		d.identification = append([]byte{}, slave...)
	default:
		for i, block := range vendorBlocks {
			if ebus.Contains(master, block, 2) {
				d.vendorBlock[i] = append([]byte{}, slave...)
				return
			}
		}
	}
}

// ScanCommand builds the base identification probe body for addr,
// satisfying scheduler.DeviceRegistry.
func (r *Registry) ScanCommand(addr byte) []byte { return ScanCommand(addr) }

// ScanCommandsVendor returns every known device's still-needed vendor
// probes, satisfying scheduler.DeviceRegistry.
func (r *Registry) ScanCommandsVendor() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var commands [][]byte
	for _, d := range r.devices {
		commands = append(commands, d.ScanCommandsVendor()...)
	}
	return commands
}

// Get returns the device known at addr, if any.
func (r *Registry) Get(addr byte) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[addr]
	return d, ok
}

// All returns every known device, in address order.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slave < out[j].Slave })
	return out
}
