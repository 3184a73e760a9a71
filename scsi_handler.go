package tcmu

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/common/log"

	"github.com/target-storage/go-tcmu-raid0/blockdev"
	"github.com/target-storage/go-tcmu-raid0/dispatcher"
	"github.com/target-storage/go-tcmu-raid0/metrics"
	"github.com/target-storage/go-tcmu-raid0/scsi"
	"github.com/target-storage/go-tcmu-raid0/sense"
)

// SCSICmd represents a single SCSI command recieved from the kernel to the virtual target.
type SCSICmd struct {
	id        uint16
	cdb       []byte
	vecs      [][]byte
	offset    int
	vecoffset int
	device    *Device

	// Buf, if provided, may be used as a scratch buffer for copying data to and from the kernel.
	Buf []byte
}

// Command returns the SCSI command byte for the command. Useful when used as a comparison to the constants in the scsi package:
// c.Command() == scsi.Read6
func (c *SCSICmd) Command() byte {
	return c.cdb[0]
}

// CdbLen returns the length of the command, in bytes.
//
// Delegates to scsi.Decode instead of the teacher's own opcode-length
// switch, which is still duplicated there as cdbLenForOpcode (needed by
// the codec even when a transfer's LBA/XferLen aren't wanted).
func (c *SCSICmd) CdbLen() int {
	decoded, serr := scsi.Decode(c.cdb)
	if serr != nil {
		log.Errorf("CdbLen: %v", serr)
		return len(c.cdb)
	}
	return len(decoded.Raw())
}

// LBA returns the block address that this command wishes to access.
//
// The teacher's own LBA() read the 6-byte form as
// uint8(order.Uint16(cdb[2:4])), which both drops byte 1's contribution to
// the 21-bit LBA field and truncates the result to 8 bits. scsi.Decode
// implements the correct 21-bit decode; see scsi/cdb.go.
func (c *SCSICmd) LBA() uint64 {
	decoded, serr := scsi.Decode(c.cdb)
	if serr != nil {
		log.Errorf("LBA: %v", serr)
		return 0
	}
	return decoded.LBA
}

// XferLen returns the length of the data buffer this command provides for transfering data to/from the kernel.
func (c *SCSICmd) XferLen() uint32 {
	decoded, serr := scsi.Decode(c.cdb)
	if serr != nil {
		log.Errorf("XferLen: %v", serr)
		return 0
	}
	return uint32(decoded.TransferLength)
}

// RawCDB returns the raw CDB bytes this command carries, for dispatching
// opcodes scsi.CDB doesn't model (INQUIRY, MODE SENSE/SELECT, REPORT LUNS).
func (c *SCSICmd) RawCDB() []byte {
	return c.cdb
}

// ReadData and WriteData let *SCSICmd satisfy task.TransportPort directly:
// ReadData pulls initiator-supplied bytes (an alias of Read), WriteData
// pushes bytes back to the initiator (an alias of Write).
func (c *SCSICmd) ReadData(sink []byte) (int, error)   { return c.Read(sink) }
func (c *SCSICmd) WriteData(source []byte) (int, error) { return c.Write(source) }

// Write, for a SCSICmd, is a io.Writer to the data buffer attached to this SCSI command.
// It's writing *to* the buffer, which happens most commonly when responding to Read commands (take data and write it back to the kernel buffer)
func (c *SCSICmd) Write(b []byte) (n int, err error) {
	toWrite := len(b)
	boff := 0
	for toWrite != 0 {
		if c.vecoffset == len(c.vecs) {
			return boff, errors.New("out of buffer scsi cmd buffer space")
		}
		wrote := copy(c.vecs[c.vecoffset][c.offset:], b[boff:])
		boff += wrote
		toWrite -= wrote
		c.offset += wrote
		if c.offset == len(c.vecs[c.vecoffset]) {
			c.vecoffset++
			c.offset = 0
		}
	}
	return boff, nil
}

// Read, for a SCSICmd, is a io.Reader from the data buffer attached to this SCSI command.
// If there's data to be written to the virtual device, this is the way to access it.
func (c *SCSICmd) Read(b []byte) (n int, err error) {
	toRead := len(b)
	boff := 0
	for toRead != 0 {
		if c.vecoffset == len(c.vecs) {
			return boff, io.EOF
		}
		read := copy(b[boff:], c.vecs[c.vecoffset][c.offset:])
		boff += read
		toRead -= read
		c.offset += read
		if c.offset == len(c.vecs[c.vecoffset]) {
			c.vecoffset++
			c.offset = 0
		}
	}
	return boff, nil
}

// Device accesses the details of the SCSI device this command is handling.
func (c *SCSICmd) Device() *Device {
	return c.device
}

// Ok creates a SCSIResponse to this command with SAM_STAT_GOOD, the common case for commands that succeed.
func (c *SCSICmd) Ok() SCSIResponse {
	return SCSIResponse{
		id:     c.id,
		status: scsi.SamStatGood,
	}
}

// GetCDB returns the byte at `index` inside the command.
func (c *SCSICmd) GetCDB(index int) byte {
	return c.cdb[index]
}

// RespondStatus returns a SCSIResponse with the given status byte set. Ok() is equivalent to RespondStatus(scsi.SamStatGood).
func (c *SCSICmd) RespondStatus(status byte) SCSIResponse {
	return SCSIResponse{
		id:     c.id,
		status: status,
	}
}

// RespondSenseData returns a SCSIResponse with the given status byte set and takes a byte array representing the SCSI sense data to be written.
func (c *SCSICmd) RespondSenseData(status byte, sense []byte) SCSIResponse {
	return SCSIResponse{
		id:          c.id,
		status:      status,
		senseBuffer: sense,
	}
}

// fromException renders e through the sense package's single fixed-format
// encoder, replacing the ad hoc sense-buffer construction the teacher
// duplicated across NotHandled/CheckCondition/MediumError/etc.
func (c *SCSICmd) fromException(e *sense.Exception) SCSIResponse {
	return SCSIResponse{
		id:          c.id,
		status:      scsi.SamStatCheckCondition,
		senseBuffer: e.Fixed(),
	}
}

// NotHandled creates a response and sense data that tells the kernel this device does not emulate this command.
func (c *SCSICmd) NotHandled() SCSIResponse {
	return c.fromException(sense.InvalidCommandOperationCode())
}

// MediumError is a preset response for a read error condition from the device
func (c *SCSICmd) MediumError() SCSIResponse {
	return c.fromException(sense.DataTransferError(false))
}

// IllegalRequest is a preset response for a request that is malformed or unexpected.
func (c *SCSICmd) IllegalRequest() SCSIResponse {
	return c.fromException(sense.InvalidFieldInCDB(0))
}

// TargetFailure is a preset response for returning a hardware error.
func (c *SCSICmd) TargetFailure() SCSIResponse {
	return c.fromException(sense.InternalTargetFailure(nil))
}

// A SCSIResponse is generated from methods on SCSICmd.
type SCSIResponse struct {
	id          uint16
	status      byte
	senseBuffer []byte
}

// SCSIHandler is the high-level data for the emulated SCSI device.
type SCSIHandler struct {
	// The volume name and resultant device name.
	VolumeName string
	// The size of the device and the blocksize for the device.
	DataSizes DataSizes
	// The loopback HBA for the emulated SCSI device
	HBA int
	// The LUN for the emulated HBA
	LUN int
	// The SCSI World Wide Identifer for the device
	WWN WWN
	// Called once the device is ready. Should spawn a goroutine (or several)
	// to handle commands coming in the first channel, and send their associated
	// responses down the second channel, ordering optional.
	DevReady DevReadyFunc
}

type DevReadyFunc func(chan *SCSICmd, chan SCSIResponse) error

type DataSizes struct {
	VolumeSize int64
	BlockSize  int64
}

// NaaWWN represents the World Wide Name of the SCSI device we are emulating, using the
// Network Address Authority standard.
type NaaWWN struct {
	// OUI is the first three bytes (six hex digits), in ASCII, of your
	// IEEE Organizationally Unique Identifier, eg, "05abcd".
	OUI string
	// The VendorID is the first four bytes (eight hex digits), in ASCII, of
	// the device's vendor-specific ID (perhaps a serial number), eg, "2416c05f".
	VendorID string
	// The VendorIDExt is an optional eight more bytes (16 hex digits) in the same format
	// as the above, if necessary.
	VendorIDExt string
}

func (n NaaWWN) DeviceID() string {
	return n.genID("0")
}

func (n NaaWWN) NexusID() string {
	return n.genID("1")
}

func (n NaaWWN) genID(s string) string {
	n.assertCorrect()
	naa := "naa.5"
	vend := n.VendorID + n.VendorIDExt
	if len(n.VendorIDExt) == 16 {
		naa = "naa.6"
	}
	return naa + n.OUI + s + vend
}

func (n NaaWWN) assertCorrect() {
	if len(n.OUI) != 6 {
		panic("OUI needs to be exactly 6 hex characters")
	}
	if len(n.VendorID) != 8 {
		panic("VendorID needs to be exactly 8 hex characters")
	}
	if len(n.VendorIDExt) != 0 && len(n.VendorIDExt) != 16 {
		panic("VendorIDExt needs to be zero or 16 hex characters")
	}
}

func GenerateSerial(name string) string {
	digest := md5.New()
	digest.Write([]byte(name))
	return hex.EncodeToString(digest.Sum([]byte{}))[:8]
}

func GenerateTestWWN() WWN {
	return NaaWWN{
		OUI:      "000000",
		VendorID: GenerateSerial("testvol"),
	}
}

type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// DevConfigString formats the dev_config string TCMU stores for a volume
// and that EVPD device-identification pages must echo back.
func DevConfigString(volumeName string) string {
	return fmt.Sprintf("go-tcmu-raid0//%s", volumeName)
}

// NewSCSIHandler builds an SCSIHandler around dev (already Open) and a
// multi-threaded dispatcher, replacing the teacher's BasicSCSIHandler
// (which always wrapped a single io.ReaderAt/WriterAt at a fixed 1GiB/1K
// geometry). dev may be a *blockdev.Memory, a *blockdev.File, or a
// *striped.Device: the dispatcher only ever sees the blockdev.Device
// interface.
func NewSCSIHandler(volumeName string, dev blockdev.Device, inq *dispatcher.InquiryInfo, m *metrics.Set) (*SCSIHandler, error) {
	blockSize, err := dev.BlockSize()
	if err != nil {
		return nil, err
	}
	blockCount, err := dev.BlockCount()
	if err != nil {
		return nil, err
	}
	disp := &dispatcher.Dispatcher{
		Device:    dev,
		Inquiry:   inq,
		DevConfig: DevConfigString(volumeName),
		Metrics:   m,
	}
	return &SCSIHandler{
		HBA:        30,
		LUN:        0,
		WWN:        GenerateTestWWN(),
		VolumeName: volumeName,
		DataSizes:  DataSizes{VolumeSize: int64(blockSize) * int64(blockCount), BlockSize: int64(blockSize)},
		DevReady:   MultiThreadedDevReady(DispatchCmdHandler{Dispatcher: disp}, 2),
	}, nil
}

func SingleThreadedDevReady(h SCSICmdHandler) DevReadyFunc {
	return func(in chan *SCSICmd, out chan SCSIResponse) error {
		go func(h SCSICmdHandler, in chan *SCSICmd, out chan SCSIResponse) {
			// Use io.Copy's trick
			buf := make([]byte, 32*1024)
			for {
				v, ok := <-in
				if !ok {
					close(out)
					return
				}
				v.Buf = buf
				x, err := h.HandleCommand(v)
				buf = v.Buf
				if err != nil {
					log.Error(err)
					return
				}
				out <- x
			}
		}(h, in, out)
		return nil
	}
}

func MultiThreadedDevReady(h SCSICmdHandler, threads int) DevReadyFunc {
	return func(in chan *SCSICmd, out chan SCSIResponse) error {
		go func(h SCSICmdHandler, in chan *SCSICmd, out chan SCSIResponse, threads int) {
			w := sync.WaitGroup{}
			w.Add(threads)
			for i := 0; i < threads; i++ {
				go func(h SCSICmdHandler, in chan *SCSICmd, out chan SCSIResponse, w *sync.WaitGroup) {
					buf := make([]byte, 32*1024)
					for {
						v, ok := <-in
						if !ok {
							break
						}
						v.Buf = buf
						x, err := h.HandleCommand(v)
						buf = v.Buf
						if err != nil {
							log.Error(err)
							return
						}
						out <- x
					}
					w.Done()
				}(h, in, out, &w)
			}
			w.Wait()
			close(out)
		}(h, in, out, threads)
		return nil
	}
}
