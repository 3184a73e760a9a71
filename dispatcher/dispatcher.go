// Package dispatcher maps an incoming Command to either the buffered task
// engine (task.ExecuteRead/ExecuteWrite) or one of the SCSI emulation
// responses the target must answer itself (INQUIRY, TEST UNIT READY,
// REPORT LUNS, READ CAPACITY(16), MODE SENSE/SELECT).
//
// Grounded on the teacher's ReadWriterAtCmdHandler/EmulateXxx family in
// cmd_handler.go: the opcode switch and the emulation bodies are kept, but
// emulation now reads geometry from a blockdev.Device instead of a
// DataSizes struct, and transfer opcodes run through scsi.Decode + the
// task package instead of the teacher's SCSICmd LBA/XferLen arithmetic.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/prometheus/common/log"

	"github.com/target-storage/go-tcmu-raid0/blockdev"
	"github.com/target-storage/go-tcmu-raid0/metrics"
	"github.com/target-storage/go-tcmu-raid0/scsi"
	"github.com/target-storage/go-tcmu-raid0/sense"
	"github.com/target-storage/go-tcmu-raid0/task"
)

// InquiryInfo holds the vendor strings reported by a standard INQUIRY
// response. Fields are padded or truncated to fit the fixed SPC-3 layout.
type InquiryInfo struct {
	VendorID   string
	ProductID  string
	ProductRev string
}

var defaultInquiry = InquiryInfo{
	VendorID:   "tcmuraid",
	ProductID:  "Striped Target",
	ProductRev: "0001",
}

// Command is a single SCSI command to dispatch: the raw CDB bytes (so
// non-transfer opcodes can read fields scsi.CDB doesn't model, like an
// INQUIRY's EVPD bit) plus the transport port used for data movement.
type Command struct {
	Raw  []byte
	Port task.TransportPort
	Tag  uint64
}

// Dispatcher routes Commands against a single backing blockdev.Device,
// which may itself be a *striped.Device.
type Dispatcher struct {
	Device    blockdev.Device
	Inquiry   *InquiryInfo
	DevConfig string
	Metrics   *metrics.Set
}

// Dispatch runs cmd and returns its Result, recording metrics keyed by
// opcode and outcome. It never panics: an opcode this dispatcher doesn't
// know about returns InvalidCommandOperationCode rather than propagating a
// decode failure.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) task.Result {
	start := time.Now()
	if len(cmd.Raw) == 0 {
		return d.finish(0, start, failed(sense.InvalidFieldInCDB(0)))
	}
	opcode := cmd.Raw[0]
	result := d.dispatchOpcode(ctx, opcode, cmd)
	return d.finish(opcode, start, result)
}

func (d *Dispatcher) finish(opcode byte, start time.Time, result task.Result) task.Result {
	d.Metrics.ObserveTask(opcode, result.Status, time.Since(start).Seconds())
	return result
}

func (d *Dispatcher) dispatchOpcode(ctx context.Context, opcode byte, cmd Command) task.Result {
	switch opcode {
	case scsi.Inquiry:
		return d.emulateInquiry(cmd)
	case scsi.TestUnitReady:
		return ok()
	case scsi.ReportLuns:
		return d.emulateReportLuns(cmd)
	case scsi.ServiceActionIn16:
		if len(cmd.Raw) < 2 || cmd.Raw[1] != scsi.SaiReadCapacity16 {
			return failed(sense.InvalidCommandOperationCode())
		}
		return d.emulateReadCapacity16(cmd)
	case scsi.ModeSense, scsi.ModeSense10:
		if _, serr := scsi.Decode(cmd.Raw); serr != nil {
			return failed(serr)
		}
		return d.emulateModeSense(cmd)
	case scsi.ModeSelect, scsi.ModeSelect10:
		if _, serr := scsi.Decode(cmd.Raw); serr != nil {
			return failed(serr)
		}
		return d.emulateModeSelect(cmd)
	case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16,
		scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16:
		return d.executeTransfer(ctx, cmd)
	default:
		log.Debugf("dispatcher: ignoring unhandled opcode 0x%x", opcode)
		return failed(sense.InvalidCommandOperationCode())
	}
}

func (d *Dispatcher) executeTransfer(ctx context.Context, cmd Command) task.Result {
	cdb, serr := scsi.Decode(cmd.Raw)
	if serr != nil {
		return failed(serr)
	}
	tc := task.Command{CDB: cdb, Port: cmd.Port, Tag: cmd.Tag}
	if cdb.Op.IsWrite() {
		return task.ExecuteWrite(ctx, tc, d.Device)
	}
	return task.ExecuteRead(ctx, tc, d.Device)
}

func ok() task.Result          { return task.Result{Status: scsi.SamStatGood} }
func failed(e *sense.Exception) task.Result {
	return task.Result{Status: scsi.SamStatCheckCondition, Sense: e}
}

func (d *Dispatcher) inquiryInfo() *InquiryInfo {
	if d.Inquiry == nil {
		return &defaultInquiry
	}
	return d.Inquiry
}

func fixedString(s string, length int) []byte {
	p := []byte(s)
	if len(p) >= length {
		return p[:length]
	}
	return append(p, bytes.Repeat([]byte{' '}, length-len(p))...)
}

func (d *Dispatcher) emulateInquiry(cmd Command) task.Result {
	if len(cmd.Raw) < 5 {
		return failed(sense.InvalidFieldInCDB(len(cmd.Raw)))
	}
	if cmd.Raw[1]&0x01 == 0 {
		if cmd.Raw[2] != 0x00 {
			return failed(sense.InvalidFieldInCDB(2))
		}
		return d.emulateStdInquiry(cmd)
	}
	return d.emulateEvpdInquiry(cmd)
}

func (d *Dispatcher) emulateStdInquiry(cmd Command) task.Result {
	inq := d.inquiryInfo()
	buf := make([]byte, 36)
	buf[2] = 0x05 // SPC-3
	buf[3] = 0x02 // response data format
	buf[4] = 31   // additional length
	buf[7] = 0x02 // CmdQue
	copy(buf[8:16], fixedString(inq.VendorID, 8))
	copy(buf[16:32], fixedString(inq.ProductID, 16))
	copy(buf[32:36], fixedString(inq.ProductRev, 4))
	if !writeAll(cmd.Port, buf) {
		return failed(sense.DataTransferError(false))
	}
	return ok()
}

func (d *Dispatcher) emulateEvpdInquiry(cmd Command) task.Result {
	switch cmd.Raw[2] {
	case 0x00: // supported VPD pages
		data := make([]byte, 6)
		data[3] = 2
		data[4] = 0x00
		data[5] = 0x83
		if !writeAll(cmd.Port, data) {
			return failed(sense.DataTransferError(false))
		}
		return ok()
	case 0x83: // device identification
		return d.emulateDeviceIdentification(cmd)
	default:
		return failed(sense.InvalidFieldInCDB(2))
	}
}

func (d *Dispatcher) emulateDeviceIdentification(cmd Command) task.Result {
	inq := d.inquiryInfo()
	used := 4
	data := make([]byte, 512)
	data[1] = 0x83

	ptr := data[used:]
	ptr[0] = 2 // code set: ASCII
	ptr[1] = 1 // identifier: T10 vendor id
	copy(ptr[4:], fixedString(inq.VendorID, 8))
	ptr[3] = 8
	used += int(ptr[3]) + 4

	ptr = data[used:]
	ptr[0] = 2 // code set: ASCII
	ptr[1] = 0 // identifier: vendor-specific
	n := copy(ptr[4:], []byte(d.DevConfig))
	ptr[3] = byte(n + 1)
	used += n + 1 + 4

	order := binary.BigEndian
	order.PutUint16(data[2:4], uint16(used-4))

	if !writeAll(cmd.Port, data[:used]) {
		return failed(sense.DataTransferError(false))
	}
	return ok()
}

// emulateReportLuns answers REPORT LUNS with the single well-known LUN 0
// this target exposes. Not present in the teacher, which never handled
// this opcode and fell through to NotHandled.
func (d *Dispatcher) emulateReportLuns(cmd Command) task.Result {
	buf := make([]byte, 16)
	order := binary.BigEndian
	order.PutUint32(buf[0:4], 8) // LUN list length: one 8-byte LUN entry
	// buf[8:16] is LUN 0, already zeroed.
	if !writeAll(cmd.Port, buf) {
		return failed(sense.DataTransferError(false))
	}
	return ok()
}

func (d *Dispatcher) emulateReadCapacity16(cmd Command) task.Result {
	blockSize, err := d.Device.BlockSize()
	if err != nil {
		return failed(sense.NotReady())
	}
	blockCount, err := d.Device.BlockCount()
	if err != nil {
		return failed(sense.NotReady())
	}
	buf := make([]byte, 32)
	order := binary.BigEndian
	order.PutUint64(buf[0:8], blockCount-1) // index of the last LBA
	order.PutUint32(buf[8:12], blockSize)
	if !writeAll(cmd.Port, buf) {
		return failed(sense.DataTransferError(false))
	}
	return ok()
}

func cachingModePage(wce bool) []byte {
	buf := make([]byte, 20)
	buf[0] = 0x08 // caching mode page
	buf[1] = 0x12 // page length: 18 bytes follow (20-byte page, forced)
	if wce {
		buf[2] |= 0x04
	}
	return buf
}

// emulateModeSense always reports the single caching mode page this
// target supports, matching the teacher's static EmulateModeSense
// (write_cache_enabled is left false: the task engine commits synchronously).
func (d *Dispatcher) emulateModeSense(cmd Command) task.Result {
	page := cmd.Raw[2] & 0x3f
	var pgdata []byte
	if page == 0x3f || page == 0x08 {
		pgdata = cachingModePage(false)
	}

	selectTen := cmd.Raw[0] == scsi.ModeSense10
	dsp := byte(0x10) // DPO/FUA supported
	var hdr []byte
	if !selectTen {
		hdr = make([]byte, 4)
		hdr[0] = byte(len(pgdata) + 3)
		hdr[2] = dsp
	} else {
		hdr = make([]byte, 8)
		binary.BigEndian.PutUint16(hdr, uint16(len(pgdata)+6))
		hdr[3] = dsp
	}

	data := append(hdr, pgdata...)
	outlen := allocationLength(cmd.Raw, selectTen)
	if outlen < len(data) {
		data = data[:outlen]
	}
	if !writeAll(cmd.Port, data) {
		return failed(sense.DataTransferError(false))
	}
	return ok()
}

func allocationLength(raw []byte, tenByte bool) int {
	if tenByte {
		return int(binary.BigEndian.Uint16(raw[7:9]))
	}
	return int(raw[4])
}

// emulateModeSelect verifies the initiator selected exactly the caching
// page emulateModeSense reports, since this target doesn't actually allow
// any mode page to be changed.
func (d *Dispatcher) emulateModeSelect(cmd Command) task.Result {
	selectTen := cmd.Raw[0] == scsi.ModeSelect10
	page := cmd.Raw[2] & 0x3f
	subpage := cmd.Raw[3]
	allocLen := allocationLength(cmd.Raw, selectTen)
	hdrLen := 4
	if selectTen {
		hdrLen = 8
	}
	if allocLen == 0 {
		return ok()
	}

	inBuf := make([]byte, 512)
	n, err := cmd.Port.ReadData(inBuf)
	if err != nil {
		return failed(sense.DataTransferError(true))
	}
	if n >= len(inBuf) {
		return failed(sense.ParameterListLengthError())
	}
	inBuf = inBuf[:n]

	if cmd.Raw[1]&0x10 == 0 || cmd.Raw[1]&0x01 != 0 {
		return failed(sense.InvalidFieldInCDB(1))
	}

	var want []byte
	if page == 0x08 && subpage == 0 {
		want = cachingModePage(false)
	}
	if want == nil {
		return failed(sense.InvalidFieldInCDB(2))
	}
	if allocLen < hdrLen+len(want) || len(inBuf) < hdrLen+len(want) {
		return failed(sense.ParameterListLengthError())
	}
	if !bytes.Equal(inBuf[hdrLen:hdrLen+len(want)], want) {
		return failed(sense.InvalidFieldInParameterList())
	}
	return ok()
}

func writeAll(port task.TransportPort, buf []byte) bool {
	n, err := port.WriteData(buf)
	return err == nil && n == len(buf)
}
