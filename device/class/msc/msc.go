package msc

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cowstick/ums/device"
	"github.com/cowstick/ums/pkg"
)

// direction classifies which way (if any) a SCSI command's data phase
// moves bytes, for the Bulk-Only Transport error-matrix precheck.
type direction int

const (
	dirNone    direction = iota // no data phase
	dirIn                       // device to host
	dirOut                      // host to device
	dirUnknown                  // vendor command; direction left to the callback
)

// MSC implements the Mass Storage Class Bulk-Only Transport driver.
type MSC struct {
	// Interface
	iface *device.Interface

	// Endpoints
	bulkInEP  *device.Endpoint // Bulk IN (device to host)
	bulkOutEP *device.Endpoint // Bulk OUT (host to device)

	// Stack reference for data transfer
	stack *device.Stack

	// Logical units
	luns     [MaxLUNs]*Lun
	lunCount uint8

	// Current command state
	currentCBW CommandBlockWrapper
	currentTag uint32
	phase      Phase

	// Reset Recovery bookkeeping (BULK_ONLY_RESET, §BOT 5.3.4)
	recoveryInCleared  bool
	recoveryOutCleared bool
	recoveryDone       chan struct{}

	// Buffers (zero-allocation pattern)
	cbwBuf  [CBWSize]byte
	cswBuf  [CSWSize]byte
	dataBuf [MaxTransferSize]byte

	// State
	mutex      sync.RWMutex
	configured bool
}

// New creates a new MSC class driver with a single logical unit backed
// by storage.
func New(storage Storage, vendorID, productID string) *MSC {
	m := &MSC{phase: PhaseAwaitCBW}
	m.luns[0] = NewLun(storage, vendorID, productID, "1.0")
	m.lunCount = 1
	return m
}

// NewMultiLUN creates an MSC class driver exposing every given logical
// unit, in order, as LUN 0, 1, 2, ...
func NewMultiLUN(luns ...*Lun) *MSC {
	m := &MSC{phase: PhaseAwaitCBW}
	n := len(luns)
	if n > MaxLUNs {
		n = MaxLUNs
	}
	copy(m.luns[:], luns[:n])
	m.lunCount = uint8(n)
	return m
}

// SetStack sets the device stack reference for data transfer.
func (m *MSC) SetStack(stack *device.Stack) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stack = stack
}

// Lun returns the logical unit at the given index, or nil if out of range.
func (m *MSC) Lun(n uint8) *Lun {
	if n >= m.lunCount {
		return nil
	}
	return m.luns[n]
}

// Init initializes the class driver for the given interface.
func (m *MSC) Init(iface *device.Interface) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.iface = iface

	// Find bulk endpoints
	for _, ep := range iface.Endpoints() {
		if ep.IsBulk() {
			if ep.IsIn() {
				m.bulkInEP = ep
			} else {
				m.bulkOutEP = ep
			}
		}
	}

	if m.bulkInEP == nil || m.bulkOutEP == nil {
		return pkg.ErrInvalidEndpoint
	}

	m.configured = true
	pkg.LogDebug(pkg.ComponentDevice, "MSC configured",
		"bulkIn", m.bulkInEP.Address,
		"bulkOut", m.bulkOutEP.Address,
		"luns", m.lunCount)

	return nil
}

// HandleSetup processes class-specific SETUP requests.
func (m *MSC) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) (bool, error) {
	if !setup.IsClass() {
		return false, nil
	}

	switch setup.Request {
	case RequestBulkOnlyMassStorageReset:
		return m.handleReset(setup)

	case RequestGetMaxLUN:
		return m.handleGetMaxLUN(setup, data)

	default:
		return false, nil
	}
}

// handleReset handles the Bulk-Only Mass Storage Reset request. Per the
// Bulk-Only Transport specification, this does not itself clear any
// stall condition on the bulk endpoints — it only readies the device to
// accept a fresh CBW once the host has cleared both endpoint halts. The
// device must not re-arm a bulk-OUT read until both ClearHalt calls are
// observed, or a CBW sent before the second ClearHalt would be lost.
func (m *MSC) handleReset(setup *device.SetupPacket) (bool, error) {
	pkg.LogDebug(pkg.ComponentDevice, "MSC reset requested")

	m.mutex.Lock()
	m.phase = PhaseRecovery
	m.recoveryInCleared = false
	m.recoveryOutCleared = false
	done := make(chan struct{})
	m.recoveryDone = done
	inEP, outEP := m.bulkInEP, m.bulkOutEP
	m.mutex.Unlock()

	for i := range m.luns[:m.lunCount] {
		if m.luns[i] != nil {
			m.luns[i].clearSense()
		}
	}

	if inEP != nil {
		inEP.SetClearHaltHandler(func() { m.observeRecoveryClear(true, done) })
	}
	if outEP != nil {
		outEP.SetClearHaltHandler(func() { m.observeRecoveryClear(false, done) })
	}

	return true, nil
}

// observeRecoveryClear records one half of the two ClearHalt calls the
// host must issue to complete Reset Recovery, and releases Run's waiting
// processCBW call once both have landed.
func (m *MSC) observeRecoveryClear(isIn bool, done chan struct{}) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.recoveryDone != done {
		return // stale callback from a superseded reset
	}

	if isIn {
		m.recoveryInCleared = true
	} else {
		m.recoveryOutCleared = true
	}

	if m.recoveryInCleared && m.recoveryOutCleared && m.phase == PhaseRecovery {
		m.phase = PhaseAwaitCBW
		close(done)
	}
}

// handleGetMaxLUN handles the Get Max LUN request.
func (m *MSC) handleGetMaxLUN(setup *device.SetupPacket, data []byte) (bool, error) {
	m.mutex.RLock()
	maxLUN := uint8(0)
	if m.lunCount > 0 {
		maxLUN = m.lunCount - 1
	}
	m.mutex.RUnlock()

	pkg.LogDebug(pkg.ComponentDevice, "Get Max LUN", "maxLUN", maxLUN)

	if len(data) > 0 {
		data[0] = maxLUN
	}

	return true, nil
}

// SetAlternate handles alternate setting changes.
func (m *MSC) SetAlternate(iface *device.Interface, alt uint8) error {
	pkg.LogDebug(pkg.ComponentDevice, "MSC alternate setting",
		"interface", iface.Number,
		"alt", alt)
	return nil
}

// Close releases resources held by the class driver.
func (m *MSC) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.iface = nil
	m.bulkInEP = nil
	m.bulkOutEP = nil
	m.stack = nil
	m.configured = false

	return nil
}

// ConfigureDevice adds the MSC interface to a device builder.
func (m *MSC) ConfigureDevice(builder *device.DeviceBuilder, bulkInEPAddr, bulkOutEPAddr uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassMSC, SubclassSCSI, ProtocolBulkOnly)
	builder.AddEndpoint(bulkInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, 64)
	builder.AddEndpoint(bulkOutEPAddr&0x0F, device.EndpointTypeBulk, 64)
	return builder
}

// AttachToInterface attaches this class driver to the MSC interface.
func (m *MSC) AttachToInterface(dev *device.Device, configValue, ifaceNum uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}

	iface := config.GetInterface(ifaceNum)
	if iface == nil {
		return pkg.ErrInvalidRequest
	}

	return iface.SetClassDriver(m)
}

// Run is the main processing loop for MSC.
// It reads CBWs, processes SCSI commands, and sends CSWs.
// This should be called in a goroutine after the device is configured.
func (m *MSC) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := m.processCBW(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pkg.LogWarn(pkg.ComponentDevice, "CBW processing error", "error", err)
		}
	}
}

// processCBW waits out Reset Recovery if one is outstanding, then reads
// and processes one Command Block Wrapper.
func (m *MSC) processCBW(ctx context.Context) error {
	m.mutex.RLock()
	stack := m.stack
	ep := m.bulkOutEP
	configured := m.configured
	recovering := m.phase == PhaseRecovery
	done := m.recoveryDone
	m.mutex.RUnlock()

	if !configured || stack == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	if recovering {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	n, err := stack.Read(ctx, ep, m.cbwBuf[:])
	if err != nil {
		return err
	}

	if n != CBWSize {
		pkg.LogWarn(pkg.ComponentDevice, "invalid CBW size", "expected", CBWSize, "got", n)
		return pkg.ErrInvalidRequest
	}

	if !ParseCBW(m.cbwBuf[:], &m.currentCBW) {
		pkg.LogWarn(pkg.ComponentDevice, "invalid CBW signature")
		return pkg.ErrInvalidRequest
	}

	m.currentTag = m.currentCBW.Tag

	pkg.LogDebug(pkg.ComponentDevice, "CBW received",
		"tag", m.currentCBW.Tag,
		"dataLen", m.currentCBW.DataTransferLength,
		"flags", m.currentCBW.Flags,
		"lun", m.currentCBW.LUN,
		"cbLen", m.currentCBW.CBLength,
		"opcode", m.currentCBW.CB[0])

	status, residue, inStalled := m.runCommand(ctx, &m.currentCBW)
	return m.finishCommand(ctx, status, residue, inStalled)
}

// finishCommand sends the CSW for the just-completed command. If the
// bulk-IN endpoint carries an unresolved stall (one of the phase-error
// cases where the device signalled completion via STALL rather than a
// short packet), the CSW is withheld until the host issues ClearHalt on
// that endpoint — per Bulk-Only Transport, a CSW sent while an earlier
// STALL is still pending would itself be misdelivered.
func (m *MSC) finishCommand(ctx context.Context, status uint8, residue uint32, inStalled bool) error {
	if inStalled {
		m.mutex.Lock()
		m.phase = PhaseError
		done := make(chan struct{})
		m.mutex.Unlock()

		m.bulkInEP.SetClearHaltHandler(func() {
			m.bulkInEP.SetClearHaltHandler(nil)
			close(done)
		})

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mutex.Lock()
	m.phase = PhaseAwaitCBW
	m.mutex.Unlock()

	return m.sendCSW(ctx, status, residue)
}

// sendCSW sends a Command Status Wrapper.
func (m *MSC) sendCSW(ctx context.Context, status uint8, residue uint32) error {
	m.mutex.RLock()
	stack := m.stack
	ep := m.bulkInEP
	m.mutex.RUnlock()

	if stack == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	csw := NewCSW(m.currentTag, residue, status)
	n := csw.MarshalTo(m.cswBuf[:])

	_, err := stack.Write(ctx, ep, m.cswBuf[:n])
	if err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentDevice, "CSW sent",
		"tag", csw.Tag, "residue", residue, "status", status)

	return nil
}

// SendPhase implements DataTransfer: writes the device's data to the host
// over bulk-IN, honoring the host's declared transfer length H (see
// sendDataPhase in commands.go for the error-matrix rationale).
func (m *MSC) SendPhase(data []byte, hostLen uint32) (uint32, bool, error) {
	return m.sendDataPhase(context.Background(), data, hostLen)
}

// ReceivePhase implements DataTransfer: reads host data over bulk-OUT,
// honoring the host's declared transfer length H.
func (m *MSC) ReceivePhase(buf []byte, hostLen uint32) (uint32, bool, error) {
	return m.receiveDataPhase(context.Background(), buf, hostLen)
}

// parseU16BE parses a big-endian uint16 from data at offset.
func parseU16BE(data []byte, offset int) uint16 {
	if offset+2 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint16(data[offset:])
}

// parseU24BE parses a big-endian 24-bit unsigned integer from data at offset.
func parseU24BE(data []byte, offset int) uint32 {
	if offset+3 > len(data) {
		return 0
	}
	return uint32(data[offset])<<16 | uint32(data[offset+1])<<8 | uint32(data[offset+2])
}

// parseU32BE parses a big-endian uint32 from data at offset.
func parseU32BE(data []byte, offset int) uint32 {
	if offset+4 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint32(data[offset:])
}

// Compile-time interface checks
var (
	_ device.ClassDriver = (*MSC)(nil)
	_ DataTransfer        = (*MSC)(nil)
)
