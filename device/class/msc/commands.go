package msc

import (
	"context"
	"io"

	"github.com/cowstick/ums/pkg"
)

// commandIntent reports which way, if any, a SCSI command's data phase
// moves bytes, independent of what the host declared in the CBW. This is
// the "D" side of the Bulk-Only Transport thirteen-case error matrix; the
// host's declared length and direction ("H") come from the CBW itself.
func commandIntent(cbw *CommandBlockWrapper) direction {
	switch cbw.CB[0] {
	case SCSITestUnitReady, SCSIPreventAllowRemoval, SCSIStartStopUnit,
		SCSISynchronizeCache10, SCSIVerify10:
		return dirNone

	case SCSIRequestSense, SCSIInquiry, SCSIReadCapacity10, SCSIModeSense6,
		SCSIReadFormatCapacities, SCSIRead10, SCSIReadBuffer, SCSIServiceActionIn16:
		return dirIn

	case SCSIWrite10, SCSIWriteBuffer:
		return dirOut

	default:
		op := cbw.CB[0] & CDBGroupMask
		if op == CDBGroup6 || op == CDBGroup7 {
			return dirUnknown
		}
		return dirNone
	}
}

// runCommand applies the Bulk-Only Transport error matrix: it compares
// the host's declared transfer length/direction (H, from the CBW) against
// the command's actual data phase (D) before running the command, and
// reports the endpoint stalls and CSW fields the mismatch requires.
// Cases are numbered as in the Bulk-Only Transport specification's
// thirteen-case table.
func (m *MSC) runCommand(ctx context.Context, cbw *CommandBlockWrapper) (status uint8, residue uint32, inStalled bool) {
	h := cbw.DataTransferLength
	hDir := dirNone
	if h > 0 {
		if cbw.IsDataIn() {
			hDir = dirIn
		} else {
			hDir = dirOut
		}
	}

	pkg.LogDebug(pkg.ComponentDevice, "SCSI command", "opcode", cbw.CB[0], "lun", cbw.LUN)

	if int(cbw.LUN) >= int(m.lunCount) || m.luns[cbw.LUN] == nil {
		return CSWStatusFailed, h, false
	}
	lun := m.luns[cbw.LUN]

	dir := commandIntent(cbw)

	switch {
	case dir == dirNone && hDir == dirIn:
		// Case 4: Hi, Dn — host expects IN data, command has none.
		m.bulkInEP.SetStall(true)
		return CSWStatusPhaseError, h, true

	case dir == dirNone && hDir == dirOut:
		// Case 9: Ho, Dn — host declared OUT data, command has none.
		m.bulkOutEP.SetStall(true)
		return CSWStatusPhaseError, h, false

	case dir == dirIn && hDir == dirNone:
		// Case 2: Hn, Di — host declared no data, command wants to send.
		m.bulkInEP.SetStall(true)
		return CSWStatusPhaseError, h, true

	case dir == dirOut && hDir == dirNone:
		// Case 3: Hn, Do — host declared no data, command wants to receive.
		m.bulkOutEP.SetStall(true)
		return CSWStatusPhaseError, h, false

	case dir == dirIn && hDir == dirOut:
		// Case 10: Ho <> Di — host declared OUT, command wants to send.
		// The host is waiting to write, not read, so the phase error is
		// signaled by stalling the pipe it's actually using: bulk-OUT.
		m.bulkOutEP.SetStall(true)
		return CSWStatusPhaseError, h, false

	case dir == dirOut && hDir == dirIn:
		// Case 8: Hi <> Do — host declared IN, command wants to receive.
		// The host is waiting on bulk-IN for data that will never come, so
		// the phase error must stall bulk-IN, not bulk-OUT, or the host
		// reads the CSW bytes as truncated data instead of a status phase.
		m.bulkInEP.SetStall(true)
		return CSWStatusPhaseError, h, true
	}

	outcome := m.dispatch(ctx, lun, cbw, h)
	return outcome.Status, h - outcome.Transferred, outcome.InStalled
}

// dispatch runs the SCSI command addressed by cbw against lun.
func (m *MSC) dispatch(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	opcode := cbw.CB[0]

	switch opcode {
	case SCSITestUnitReady:
		return m.cmdTestUnitReady(lun)

	case SCSIRequestSense:
		return m.cmdRequestSense(ctx, lun, cbw, h)

	case SCSIInquiry:
		return m.cmdInquiry(ctx, lun, cbw, h)

	case SCSIReadCapacity10:
		return m.cmdReadCapacity10(ctx, lun, h)

	case SCSIServiceActionIn16:
		if cbw.CB[1]&0x1F == ServiceActionReadCapacity16 {
			return m.cmdReadCapacity16(ctx, lun, cbw, h)
		}
		lun.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
		return CommandOutcome{Status: CSWStatusFailed}

	case SCSIRead10:
		return m.cmdRead10(ctx, lun, cbw, h)

	case SCSIWrite10:
		return m.cmdWrite10(ctx, lun, cbw, h)

	case SCSIModeSense6:
		return m.cmdModeSense6(ctx, lun, cbw, h)

	case SCSIPreventAllowRemoval:
		return m.cmdPreventAllowRemoval(cbw)

	case SCSIStartStopUnit:
		return m.cmdStartStopUnit(lun, cbw)

	case SCSISynchronizeCache10:
		return m.cmdSynchronizeCache10(lun)

	case SCSIVerify10:
		lun.clearSense()
		return CommandOutcome{Status: CSWStatusGood}

	case SCSIReadFormatCapacities:
		return m.cmdReadFormatCapacities(ctx, lun, cbw, h)

	case SCSIReadBuffer:
		return m.cmdReadBuffer(ctx, lun, cbw, h)

	case SCSIWriteBuffer:
		return m.cmdWriteBuffer(ctx, lun, cbw, h)

	default:
		if opcode&CDBGroupMask == CDBGroup6 || opcode&CDBGroupMask == CDBGroup7 {
			return m.cmdVendor(lun, cbw, h)
		}
		pkg.LogWarn(pkg.ComponentDevice, "unsupported SCSI command", "opcode", opcode)
		lun.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}
}

// cmdTestUnitReady processes TEST UNIT READY.
func (m *MSC) cmdTestUnitReady(lun *Lun) CommandOutcome {
	if lun.State() != LunReady || !lun.Storage.IsPresent() {
		lun.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}
	lun.clearSense()
	return CommandOutcome{Status: CSWStatusGood}
}

// cmdRequestSense processes REQUEST SENSE. Sense is cleared on success,
// per the invariant that sense must read zero once reported.
func (m *MSC) cmdRequestSense(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	allocLength := cbw.CB[4]
	if allocLength == 0 {
		allocLength = 18
	}

	key, asc, ascq, information := lun.sense()
	resp := NewRequestSenseResponse(key, asc, ascq, information)
	n := resp.MarshalTo(m.dataBuf[:18])

	sendLen := uint32(allocLength)
	if sendLen > uint32(n) {
		sendLen = uint32(n)
	}

	sent, stalled, err := m.sendDataPhase(ctx, m.dataBuf[:sendLen], h)
	if err != nil {
		return CommandOutcome{Status: CSWStatusFailed, Transferred: sent}
	}

	lun.clearSense()

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: sent, InStalled: stalled}
}

// cmdInquiry processes INQUIRY, including EVPD pages 0x00/0x80/0x83.
func (m *MSC) cmdInquiry(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	evpd := cbw.CB[1]&InquiryEVPD != 0
	pageCode := cbw.CB[2]
	allocLength := parseU16BE(cbw.CB[:], 3)

	var n int
	if evpd {
		switch pageCode {
		case VPDPageSupported:
			resp := SupportedVPDPagesResponse{
				DeviceType: DeviceTypeDisk,
				Pages:      []uint8{VPDPageSupported, VPDPageUnitSerialNumber, VPDPageDeviceIdentification},
			}
			n = resp.MarshalTo(m.dataBuf[:])

		case VPDPageUnitSerialNumber:
			resp := UnitSerialNumberResponse{DeviceType: DeviceTypeDisk, Serial: lun.SerialASCII}
			n = resp.MarshalTo(m.dataBuf[:])

		case VPDPageDeviceIdentification:
			resp := DeviceIdentificationResponse{
				DeviceType: DeviceTypeDisk,
				Serial:     lun.SerialASCII,
			}
			copy(resp.VendorID[:], padString(lun.VendorID, 8))
			copy(resp.ProductID[:], padString(lun.ProductID, 16))
			n = resp.MarshalTo(m.dataBuf[:])

		default:
			lun.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
			return CommandOutcome{Status: CSWStatusFailed}
		}
	} else {
		if pageCode != 0 {
			lun.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
			return CommandOutcome{Status: CSWStatusFailed}
		}
		inquiry := NewInquiryResponse(DeviceTypeDisk, lun.Storage.IsRemovable(),
			lun.VendorID, lun.ProductID, lun.Revision)
		n = inquiry.MarshalTo(m.dataBuf[:])
	}

	if allocLength == 0 {
		return CommandOutcome{Status: CSWStatusGood}
	}

	sendLen := uint32(allocLength)
	if sendLen > uint32(n) {
		sendLen = uint32(n)
	}

	sent, stalled, err := m.sendDataPhase(ctx, m.dataBuf[:sendLen], h)
	if err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed, Transferred: sent}
	}

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: sent, InStalled: stalled}
}

// cmdReadCapacity10 processes READ CAPACITY (10).
func (m *MSC) cmdReadCapacity10(ctx context.Context, lun *Lun, h uint32) CommandOutcome {
	if lun.State() != LunReady || !lun.Storage.IsPresent() {
		lun.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	blockCount := lun.Storage.BlockCount()
	blockSize := lun.Storage.BlockSize()

	lastLBA := uint32(blockCount - 1)
	if blockCount > 0xFFFFFFFF {
		lastLBA = 0xFFFFFFFF
	}

	resp := ReadCapacity10Response{LastLBA: lastLBA, BlockLength: blockSize}
	n := resp.MarshalTo(m.dataBuf[:])

	sent, stalled, err := m.sendDataPhase(ctx, m.dataBuf[:n], h)
	if err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed, Transferred: sent}
	}

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: sent, InStalled: stalled}
}

// cmdReadCapacity16 processes the READ CAPACITY (16) service action.
func (m *MSC) cmdReadCapacity16(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	if lun.State() != LunReady || !lun.Storage.IsPresent() {
		lun.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	blockCount := lun.Storage.BlockCount()
	blockSize := lun.Storage.BlockSize()

	resp := ReadCapacity16Response{LastLBA: blockCount - 1, BlockLength: blockSize}
	n := resp.MarshalTo(m.dataBuf[:])

	allocLength := parseU32BE(cbw.CB[:], 10)
	sendLen := allocLength
	if sendLen > uint32(n) {
		sendLen = uint32(n)
	}

	sent, stalled, err := m.sendDataPhase(ctx, m.dataBuf[:sendLen], h)
	if err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed, Transferred: sent}
	}

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: sent, InStalled: stalled}
}

// cmdRead10 processes READ (10).
func (m *MSC) cmdRead10(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	if lun.State() != LunReady || !lun.Storage.IsPresent() {
		lun.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	lba := parseU32BE(cbw.CB[:], 2)
	transferBlocks := parseU16BE(cbw.CB[:], 7)
	if transferBlocks == 0 {
		return CommandOutcome{Status: CSWStatusGood}
	}

	blockSize := lun.Storage.BlockSize()
	transferLength := uint32(transferBlocks) * blockSize

	if uint64(lba)+uint64(transferBlocks) > lun.Storage.BlockCount() {
		lun.setSenseInfo(SenseIllegalRequest, ASCLBAOutOfRange, 0, lba)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	pkg.LogDebug(pkg.ComponentDevice, "READ(10)", "lba", lba, "blocks", transferBlocks)

	blocksRead, err := lun.Storage.Read(uint64(lba), uint32(transferBlocks), m.dataBuf[:transferLength])
	if err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "read error", "error", err)
		lun.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}
	actualLength := blocksRead * blockSize

	sent, stalled, err := m.sendDataPhase(ctx, m.dataBuf[:actualLength], h)
	if err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed, Transferred: sent}
	}

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: sent, InStalled: stalled}
}

// cmdWrite10 processes WRITE (10).
func (m *MSC) cmdWrite10(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	if lun.State() != LunReady || !lun.Storage.IsPresent() {
		lun.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	if lun.Storage.IsReadOnly() {
		lun.setSense(SenseDataProtect, ASCWriteProtected, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	lba := parseU32BE(cbw.CB[:], 2)
	transferBlocks := parseU16BE(cbw.CB[:], 7)
	if transferBlocks == 0 {
		return CommandOutcome{Status: CSWStatusGood}
	}

	blockSize := lun.Storage.BlockSize()
	transferLength := uint32(transferBlocks) * blockSize

	if uint64(lba)+uint64(transferBlocks) > lun.Storage.BlockCount() {
		lun.setSenseInfo(SenseIllegalRequest, ASCLBAOutOfRange, 0, lba)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	pkg.LogDebug(pkg.ComponentDevice, "WRITE(10)", "lba", lba, "blocks", transferBlocks)

	received, stalled, err := m.receiveDataPhase(ctx, m.dataBuf[:transferLength], h)
	if err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed, Transferred: received}
	}

	wholeBlocks := received / blockSize
	if wholeBlocks > 0 {
		if _, werr := lun.Storage.Write(uint64(lba), wholeBlocks, m.dataBuf[:wholeBlocks*blockSize]); werr != nil {
			pkg.LogWarn(pkg.ComponentDevice, "write error", "error", werr)
			lun.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
			return CommandOutcome{Status: CSWStatusFailed, Transferred: received}
		}
	}

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: received}
}

// cmdModeSense6 processes MODE SENSE (6).
func (m *MSC) cmdModeSense6(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	allocLength := cbw.CB[4]
	if allocLength == 0 {
		return CommandOutcome{Status: CSWStatusGood}
	}

	resp := ModeSense6Response{ModeDataLength: 3}
	if lun.Storage.IsReadOnly() {
		resp.DeviceParam = 0x80
	}
	n := resp.MarshalTo(m.dataBuf[:])

	sendLen := uint32(allocLength)
	if sendLen > uint32(n) {
		sendLen = uint32(n)
	}

	sent, stalled, err := m.sendDataPhase(ctx, m.dataBuf[:sendLen], h)
	if err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed, Transferred: sent}
	}

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: sent, InStalled: stalled}
}

// cmdPreventAllowRemoval processes PREVENT/ALLOW MEDIUM REMOVAL.
func (m *MSC) cmdPreventAllowRemoval(cbw *CommandBlockWrapper) CommandOutcome {
	prevent := cbw.CB[4] & 0x01
	pkg.LogDebug(pkg.ComponentDevice, "PREVENT/ALLOW MEDIUM REMOVAL", "prevent", prevent)
	return CommandOutcome{Status: CSWStatusGood}
}

// cmdStartStopUnit processes START/STOP UNIT.
func (m *MSC) cmdStartStopUnit(lun *Lun, cbw *CommandBlockWrapper) CommandOutcome {
	start := cbw.CB[4]&0x01 != 0
	loej := cbw.CB[4]&0x02 != 0

	pkg.LogDebug(pkg.ComponentDevice, "START/STOP UNIT", "start", start, "loej", loej)

	if loej && !start {
		if lun.Storage.IsRemovable() {
			if err := lun.Storage.Eject(); err != nil {
				lun.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
				return CommandOutcome{Status: CSWStatusFailed}
			}
			lun.SetState(LunNotPresent)
		}
	} else if loej && start {
		lun.SetState(LunReady)
	}

	lun.clearSense()
	return CommandOutcome{Status: CSWStatusGood}
}

// cmdSynchronizeCache10 processes SYNCHRONIZE CACHE (10).
func (m *MSC) cmdSynchronizeCache10(lun *Lun) CommandOutcome {
	if err := lun.Storage.Sync(); err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}
	lun.clearSense()
	return CommandOutcome{Status: CSWStatusGood}
}

// cmdReadFormatCapacities processes READ FORMAT CAPACITIES.
func (m *MSC) cmdReadFormatCapacities(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	if lun.State() != LunReady || !lun.Storage.IsPresent() {
		lun.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	allocLength := parseU16BE(cbw.CB[:], 7)
	if allocLength == 0 {
		return CommandOutcome{Status: CSWStatusGood}
	}

	blockCount := lun.Storage.BlockCount()
	blockSize := lun.Storage.BlockSize()

	offset := 0
	header := ReadFormatCapacitiesHeader{CapacityLength: 8}
	offset += header.MarshalTo(m.dataBuf[offset:])

	desc := CurrentMaximumCapacityDescriptor{
		BlockCount:  uint32(blockCount),
		DescType:    0x02,
		BlockLength: blockSize,
	}
	offset += desc.MarshalTo(m.dataBuf[offset:])

	sendLen := uint32(allocLength)
	if sendLen > uint32(offset) {
		sendLen = uint32(offset)
	}

	sent, stalled, err := m.sendDataPhase(ctx, m.dataBuf[:sendLen], h)
	if err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed, Transferred: sent}
	}

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: sent, InStalled: stalled}
}

// cmdReadBuffer processes the optional READ BUFFER diagnostic command,
// echoing the LUN's internal RAM buffer. Gated by PermDiagBuffer.
func (m *MSC) cmdReadBuffer(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	if !lun.HasPermission(PermDiagBuffer) {
		lun.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	allocLength := parseU24BE(cbw.CB[:], 6)
	sendLen := allocLength
	if sendLen > uint32(len(lun.diagBuf)) {
		sendLen = uint32(len(lun.diagBuf))
	}

	sent, stalled, err := m.sendDataPhase(ctx, lun.diagBuf[:sendLen], h)
	if err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed, Transferred: sent}
	}

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: sent, InStalled: stalled}
}

// cmdWriteBuffer processes the optional WRITE BUFFER diagnostic command,
// filling the LUN's internal RAM buffer. Gated by PermDiagBuffer.
func (m *MSC) cmdWriteBuffer(ctx context.Context, lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	if !lun.HasPermission(PermDiagBuffer) {
		lun.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}

	paramLength := parseU24BE(cbw.CB[:], 6)
	recvLen := paramLength
	if recvLen > uint32(len(lun.diagBuf)) {
		recvLen = uint32(len(lun.diagBuf))
	}

	received, stalled, err := m.receiveDataPhase(ctx, lun.diagBuf[:recvLen], h)
	if err != nil {
		lun.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CommandOutcome{Status: CSWStatusFailed, Transferred: received}
	}

	status := CSWStatusGood
	if stalled {
		status = CSWStatusPhaseError
	}
	return CommandOutcome{Status: status, Transferred: received}
}

// cmdVendor delegates a CDB group 6/7 vendor command to the LUN's
// registered handler, if any, gated by PermVendorCmd.
func (m *MSC) cmdVendor(lun *Lun, cbw *CommandBlockWrapper, h uint32) CommandOutcome {
	if lun.VendorCmd == nil || !lun.HasPermission(PermVendorCmd) {
		lun.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
		return CommandOutcome{Status: CSWStatusFailed}
	}
	return lun.VendorCmd(lun, cbw, m)
}

// sendDataPhase writes data to the host over bulk-IN, honoring the
// host's declared transfer length h. Two mismatches are possible:
//
//   - the device has more to send than h (Bulk-Only case 7): only h
//     bytes are sent and the endpoint is stalled, since the remainder
//     cannot be delivered within this CBW's declared length.
//   - the device has less to send than h (case 5): all of the data is
//     sent, then the endpoint is stalled to signal there is no more,
//     rather than leaving the host waiting for a short packet that
//     never profitably distinguishes "done" from "stalled".
func (m *MSC) sendDataPhase(ctx context.Context, data []byte, h uint32) (sent uint32, phaseErr bool, err error) {
	n := uint32(len(data))
	send := n
	stall := false

	if n > h {
		send = h
		stall = true
	} else if n < h {
		stall = true
	}

	if send > 0 {
		if werr := m.sendData(ctx, data[:send]); werr != nil {
			return 0, false, werr
		}
	}

	if stall {
		m.bulkInEP.SetStall(true)
	}

	return send, stall, nil
}

// receiveDataPhase reads host data over bulk-OUT, honoring the host's
// declared transfer length h against the command's actual need d
// (len(buf)). Case 11 (h > d): the device reads exactly d bytes, then
// stalls bulk-OUT since it cannot absorb the remainder. Case 13 (h < d):
// per this port's resolution of the BOT open question, the device reads
// only the h bytes the host actually sends and does not stall — a short
// write is reported as a phase error via the CSW status, not a STALL.
func (m *MSC) receiveDataPhase(ctx context.Context, buf []byte, h uint32) (received uint32, phaseErr bool, err error) {
	d := uint32(len(buf))
	want := d
	stall := false

	if h < d {
		want = h
	} else if h > d {
		stall = true
	}

	if want > 0 {
		if rerr := m.receiveData(ctx, buf[:want]); rerr != nil {
			return 0, false, rerr
		}
	}

	if stall {
		m.bulkOutEP.SetStall(true)
	}

	return want, stall || h != d, nil
}

// sendData writes a fully-formed buffer to the host via bulk IN.
func (m *MSC) sendData(ctx context.Context, data []byte) error {
	m.mutex.RLock()
	stack := m.stack
	ep := m.bulkInEP
	m.mutex.RUnlock()

	if stack == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	_, err := stack.Write(ctx, ep, data)
	return err
}

// receiveData reads exactly len(buf) bytes from the host via bulk OUT.
func (m *MSC) receiveData(ctx context.Context, buf []byte) error {
	m.mutex.RLock()
	stack := m.stack
	ep := m.bulkOutEP
	m.mutex.RUnlock()

	if stack == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	totalRead := 0
	for totalRead < len(buf) {
		n, err := stack.Read(ctx, ep, buf[totalRead:])
		if err != nil {
			if err == io.EOF && totalRead > 0 {
				break
			}
			return err
		}
		totalRead += n
		if n == 0 {
			break
		}
	}

	return nil
}
