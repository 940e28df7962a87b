package msc_test

import (
	"context"
	"sync"

	"github.com/cowstick/ums/device/hal"
)

// fakeHAL is a minimal in-process hal.DeviceHAL good enough to drive bulk
// endpoint traffic for MSC tests, without any real transport underneath.
// Each endpoint address gets its own buffered byte-slice channel.
type fakeHAL struct {
	mutex   sync.Mutex
	queues  map[uint8]chan []byte
	stalled map[uint8]bool
}

func newFakeHAL() *fakeHAL {
	return &fakeHAL{
		queues:  make(map[uint8]chan []byte),
		stalled: make(map[uint8]bool),
	}
}

func (f *fakeHAL) queue(addr uint8) chan []byte {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	q, ok := f.queues[addr]
	if !ok {
		q = make(chan []byte, 16)
		f.queues[addr] = q
	}
	return q
}

// hostSend enqueues a packet as if the host wrote it to the given OUT
// endpoint (so the device's Read(addr) picks it up).
func (f *fakeHAL) hostSend(addr uint8, data []byte) {
	f.queue(addr) <- append([]byte(nil), data...)
}

// hostRecv pulls the next packet the device wrote to the given IN endpoint.
func (f *fakeHAL) hostRecv(addr uint8) []byte {
	return <-f.queue(addr)
}

func (f *fakeHAL) isStalled(addr uint8) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.stalled[addr]
}

func (f *fakeHAL) Init(ctx context.Context) error                 { return nil }
func (f *fakeHAL) Start() error                                   { return nil }
func (f *fakeHAL) Stop() error                                    { return nil }
func (f *fakeHAL) SetAddress(address uint8) error                 { return nil }
func (f *fakeHAL) ConfigureEndpoints(eps []hal.EndpointConfig) error { return nil }

func (f *fakeHAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error { return nil }
func (f *fakeHAL) WriteEP0(ctx context.Context, data []byte) error          { return nil }
func (f *fakeHAL) ReadEP0(ctx context.Context, buf []byte) (int, error)     { return 0, nil }
func (f *fakeHAL) StallEP0() error                                          { return nil }
func (f *fakeHAL) AckEP0() error                                            { return nil }

func (f *fakeHAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	select {
	case data := <-f.queue(address):
		return copy(buf, data), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeHAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	cp := append([]byte(nil), data...)
	select {
	case f.queue(address) <- cp:
		return len(data), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeHAL) Stall(address uint8) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stalled[address] = true
	return nil
}

func (f *fakeHAL) ClearStall(address uint8) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stalled[address] = false
	return nil
}

func (f *fakeHAL) IsConnected() bool                          { return true }
func (f *fakeHAL) GetSpeed() hal.Speed                        { return hal.SpeedFull }
func (f *fakeHAL) WaitConnect(ctx context.Context) error      { return nil }
func (f *fakeHAL) WaitDisconnect(ctx context.Context) error   { return nil }

var _ hal.DeviceHAL = (*fakeHAL)(nil)
