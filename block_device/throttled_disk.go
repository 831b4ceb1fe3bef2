package block_device

import (
	"context"

	"golang.org/x/time/rate"
)

// ThrottledDisk caps the byte throughput of another disk, modelling a slow device.
// Each transfer blocks until the limiter admits it.
type ThrottledDisk struct {
	Disk
	limiter *rate.Limiter
}

// NewThrottledDisk limits disk to bytesPerSecond. The burst is a single block,
// so transfers are admitted one at a time.
func NewThrottledDisk(disk Disk, bytesPerSecond int) *ThrottledDisk {

	return &ThrottledDisk{
		Disk:    disk,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), disk.BlockSize()),
	}
}

func (disk *ThrottledDisk) ReadBlock(blockNumber uint32, data []byte) error {

	if err := disk.admit(blockNumber, data); err != nil {
		return err
	}
	return disk.Disk.ReadBlock(blockNumber, data)
}

func (disk *ThrottledDisk) WriteBlock(blockNumber uint32, data []byte) error {

	if err := disk.admit(blockNumber, data); err != nil {
		return err
	}
	return disk.Disk.WriteBlock(blockNumber, data)
}

// admit rejects malformed transfers before they are charged to the limiter,
// then waits until len(data) bytes may pass.
func (disk *ThrottledDisk) admit(blockNumber uint32, data []byte) error {

	if err := checkTransfer(blockNumber, disk.Blocks(), data, disk.BlockSize()); err != nil {
		return err
	}
	return disk.limiter.WaitN(context.Background(), len(data))
}
