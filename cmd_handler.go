package tcmu

import (
	"context"

	"github.com/prometheus/common/log"

	"github.com/target-storage/go-tcmu-raid0/dispatcher"
)

// SCSICmdHandler is a simple request/response handler for SCSI commands coming to TCMU.
// A SCSI error is reported as an SCSIResponse with an error bit set, while returning a Go error is for flagrant, process-ending errors (OOM, perhaps).
type SCSICmdHandler interface {
	HandleCommand(cmd *SCSICmd) (SCSIResponse, error)
}

// DispatchCmdHandler adapts a *dispatcher.Dispatcher to SCSICmdHandler: it
// is the seam between the kernel-facing mailbox plumbing in this package
// and the domain logic in the scsi/sense/blockdev/task/dispatcher
// packages. This replaces the teacher's ReadWriterAtCmdHandler, whose
// Emulate* functions moved (generalized to read geometry from a
// blockdev.Device instead of a DataSizes struct) into the dispatcher
// package.
type DispatchCmdHandler struct {
	Dispatcher *dispatcher.Dispatcher
}

func (h DispatchCmdHandler) HandleCommand(cmd *SCSICmd) (SCSIResponse, error) {
	result := h.Dispatcher.Dispatch(context.Background(), dispatcher.Command{
		Raw:  cmd.RawCDB(),
		Port: cmd,
		Tag:  uint64(cmd.id),
	})
	if result.Sense != nil {
		log.Debugf("command 0x%x failed: %v", cmd.Command(), result.Sense)
		return cmd.RespondSenseData(result.Status, result.Sense.Fixed()), nil
	}
	return cmd.RespondStatus(result.Status), nil
}
