package msc_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/cowstick/ums/device"
	"github.com/cowstick/ums/device/class/msc"
)

const (
	testBulkIn  = 0x81
	testBulkOut = 0x02
)

// harness wires an msc.MSC driver to a fakeHAL through a real
// device.Device/device.Stack pair, close enough to production wiring to
// exercise the Bulk-Only Transport state machine end to end.
type harness struct {
	t       *testing.T
	disk    *msc.MSC
	dev     *device.Device
	hal     *fakeHAL
	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan error
}

func newHarness(t *testing.T, luns ...*msc.Lun) *harness {
	t.Helper()

	disk := msc.NewMultiLUN(luns...)

	builder := device.NewDeviceBuilder().
		WithVendorProduct(0x3608, 0xC720).
		WithStrings("cowstick", "Mass Storage Key", "TESTSERIAL01").
		AddConfiguration(1)
	disk.ConfigureDevice(builder, testBulkIn, testBulkOut)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	dev, err := builder.Build(ctx)
	if err != nil {
		cancel()
		t.Fatalf("build device: %v", err)
	}

	if err := disk.AttachToInterface(dev, 1, 0); err != nil {
		cancel()
		t.Fatalf("attach MSC driver: %v", err)
	}

	fh := newFakeHAL()
	stack := device.NewStack(dev, fh)
	disk.SetStack(stack)

	if err := dev.SetAddress(1); err != nil {
		cancel()
		t.Fatalf("set address: %v", err)
	}
	if err := dev.SetConfiguration(1); err != nil {
		cancel()
		t.Fatalf("set configuration: %v", err)
	}

	h := &harness{
		t:       t,
		disk:    disk,
		dev:     dev,
		hal:     fh,
		ctx:     ctx,
		cancel:  cancel,
		runDone: make(chan error, 1),
	}

	go func() { h.runDone <- disk.Run(ctx) }()
	t.Cleanup(h.cancel)

	return h
}

func singleLunHarness(t *testing.T, size uint64) (*harness, *msc.Lun, *msc.MemoryStorage) {
	t.Helper()
	storage := msc.NewMemoryStorage(size, msc.DefaultBlockSize)
	lun := msc.NewLun(storage, "cowstick", "USB Flash Key", "1.0")
	lun.Permissions = msc.PermDiagBuffer
	h := newHarness(t, lun)
	return h, lun, storage
}

// sendCBW builds and sends a 31-byte Command Block Wrapper to the
// device's bulk-OUT endpoint.
func (h *harness) sendCBW(tag uint32, dataLen uint32, dataIn bool, lun uint8, cb []byte) {
	h.t.Helper()
	buf := make([]byte, msc.CBWSize)
	binary.LittleEndian.PutUint32(buf[0:4], msc.CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], dataLen)
	if dataIn {
		buf[12] = msc.CBWFlagDataIn
	}
	buf[13] = lun & 0x0F
	buf[14] = uint8(len(cb))
	copy(buf[15:31], cb)
	h.hal.hostSend(testBulkOut, buf)
}

// recvCSW reads the next Command Status Wrapper the device sends on
// bulk-IN and parses it.
func (h *harness) recvCSW() (tag uint32, residue uint32, status uint8) {
	h.t.Helper()
	data := h.hal.hostRecv(testBulkIn)
	if len(data) != msc.CSWSize {
		h.t.Fatalf("expected %d-byte CSW, got %d bytes", msc.CSWSize, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != msc.CSWSignature {
		h.t.Fatalf("bad CSW signature")
	}
	tag = binary.LittleEndian.Uint32(data[4:8])
	residue = binary.LittleEndian.Uint32(data[8:12])
	status = data[12]
	return
}

// recvData reads the next data-phase packet the device wrote to bulk-IN,
// assumed shorter than the CSW read that follows it.
func (h *harness) recvData() []byte {
	h.t.Helper()
	return h.hal.hostRecv(testBulkIn)
}

// endpoint returns the bulk endpoint object at the given address, for
// tests that need to assert stall state or simulate a host ClearHalt.
func (h *harness) endpoint(addr uint8) *device.Endpoint {
	h.t.Helper()
	config := h.dev.GetConfiguration(1)
	iface := config.GetInterface(0)
	ep := iface.GetEndpoint(addr)
	if ep == nil {
		h.t.Fatalf("no endpoint at address 0x%02x", addr)
	}
	return ep
}

// clearHalt simulates the host issuing CLEAR_FEATURE(ENDPOINT_HALT) on
// the given bulk endpoint: it resets the stall and fires the class
// driver's registered ClearHalt observer, exactly as device.standard's
// clearEndpointFeature does.
func (h *harness) clearHalt(addr uint8) {
	h.t.Helper()
	ep := h.endpoint(addr)
	ep.SetStall(false)
	ep.ResetDataToggle()
	ep.NotifyClearHalt()
}

// sendSetup delivers a class-specific SETUP request directly to the MSC
// driver, the way device.Stack's control loop would after decoding it
// off EP0.
func (h *harness) sendSetup(setup *device.SetupPacket, data []byte) (bool, error) {
	h.t.Helper()
	return h.disk.HandleSetup(nil, setup, data)
}
