package msc

import "sync"

// MaxLUNs is the largest number of logical units a single MSC interface
// exposes. The CBW's 4-bit LUN field caps this at 16 regardless.
const MaxLUNs = 16

// LunState describes whether a logical unit currently has media.
type LunState uint8

// Logical unit states.
const (
	LunNotPresent LunState = iota // No medium loaded; TEST UNIT READY fails
	LunReady                      // Medium present and ready for I/O
)

// Permission bits gate access to optional, vendor-leaning commands on a
// per-LUN basis. A LUN that never needs diagnostic buffer access or a
// vendor command simply leaves these unset.
type Permission uint8

// Permission bits.
const (
	PermDiagBuffer  Permission = 1 << iota // READ BUFFER / WRITE BUFFER
	PermVendorCmd                          // CDB group 6/7 vendor commands
)

// VendorCommandFunc handles a vendor-specific CDB (group 6 or 7) for a
// LUN that has registered one. It behaves like the other SCSI command
// handlers: it performs any data phase itself via the supplied session
// and reports the outcome.
type VendorCommandFunc func(l *Lun, cbw *CommandBlockWrapper, xfer DataTransfer) CommandOutcome

// DataTransfer is the subset of MSC's bulk data-phase machinery exposed
// to LUN callbacks (vendor commands, diagnostic buffers) so they can move
// bytes across the bulk endpoints without reaching into MSC internals.
type DataTransfer interface {
	SendPhase(data []byte, hostLen uint32) (sent uint32, phaseErr bool, err error)
	ReceivePhase(buf []byte, hostLen uint32) (received uint32, phaseErr bool, err error)
}

// Lun represents one SCSI logical unit backed by a Storage implementation.
type Lun struct {
	Storage Storage // block-level backend; kept when State is set to LunNotPresent

	VendorID    string // 8-char INQUIRY vendor identification
	ProductID   string // 16-char INQUIRY product identification
	Revision    string // 4-char INQUIRY product revision
	SerialASCII string // backs VPD page 0x80 (unit serial number)

	Permissions Permission // gates READ/WRITE BUFFER and vendor commands
	VendorCmd   VendorCommandFunc

	mutex sync.RWMutex
	state LunState

	senseKey    uint8
	asc         uint8
	ascq        uint8
	information uint32

	diagBuf [256]byte // RAM echo region for READ/WRITE BUFFER
}

// NewLun builds a logical unit around a Storage backend, ready for use.
func NewLun(storage Storage, vendorID, productID, revision string) *Lun {
	l := &Lun{
		Storage:   storage,
		VendorID:  vendorID,
		ProductID: productID,
		Revision:  revision,
		state:     LunReady,
	}
	l.clearSense()
	return l
}

// State returns the logical unit's current presence state.
func (l *Lun) State() LunState {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.state
}

// SetState transitions the logical unit between NotPresent and Ready,
// e.g. in response to START STOP UNIT with the eject bit set.
func (l *Lun) SetState(s LunState) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.state = s
}

// setSense records sense data to be returned by the next REQUEST SENSE,
// with no Information field (the common case: most sense conditions have
// no associated byte address or count).
func (l *Lun) setSense(key, asc, ascq uint8) {
	l.setSenseInfo(key, asc, ascq, 0)
}

// setSenseInfo records sense data along with an Information field value,
// e.g. the offending LBA for an ILLEGAL REQUEST/LBA OUT OF RANGE condition.
func (l *Lun) setSenseInfo(key, asc, ascq uint8, information uint32) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.senseKey, l.asc, l.ascq, l.information = key, asc, ascq, information
}

// clearSense resets sense data to NO SENSE.
func (l *Lun) clearSense() {
	l.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
}

// sense returns the currently latched sense key/ASC/ASCQ and Information.
func (l *Lun) sense() (key, asc, ascq uint8, information uint32) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.senseKey, l.asc, l.ascq, l.information
}

// HasPermission reports whether the given capability bit is granted.
func (l *Lun) HasPermission(p Permission) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.Permissions&p != 0
}

// CommandOutcome is the result of a single SCSI command's execution,
// used by the BOT error-matrix wrapper to finish the CSW.
type CommandOutcome struct {
	Status      uint8  // CSWStatusGood, CSWStatusFailed, or CSWStatusPhaseError
	Transferred uint32 // bytes actually moved during the data phase
	InStalled   bool   // true if the bulk-IN endpoint was left stalled
}
