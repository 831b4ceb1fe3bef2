package block_device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// DirectIODisk uses Direct I/O to move blocks directly between process memory and the disk controller.

// Direct I/O bypasses the kernel page cache, this is useful because:
// 1. It prevents block data from being cached twice, once in the kernel page cache, and once in the buffer cache.
// 2. A completed WriteBlock has reached the device, which is what the buffer cache's write-through promises.

// Direct I/O needs aligned memory, offsets and sizes. Blocks smaller than directio.BlockSize
// are transferred by reading (and for writes, rewriting) the whole aligned chunk that contains them.
type DirectIODisk struct {
	file      *os.File
	blockSize int
	blocks    uint32

	// chunkSize is the aligned transfer unit, max(blockSize, directio.BlockSize).
	chunkSize int

	// serializes read-modify-write cycles on shared chunks.
	mutex *sync.Mutex

	logger *slog.Logger
}

func NewDirectIODisk(filePath string, blocks uint32, blockSize int, logger *slog.Logger) (*DirectIODisk, error) {

	if blockSize <= 0 {
		blockSize = DEFAULT_BLOCK_SIZE
	}
	if logger == nil {
		logger = slog.Default()
	}

	chunkSize := max(blockSize, directio.BlockSize)

	if chunkSize%blockSize != 0 || chunkSize%directio.BlockSize != 0 {
		return nil, fmt.Errorf("block size %d is incompatible with direct I/O block size %d", blockSize, directio.BlockSize)
	}

	if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
		logger.Info("disk image does not exist, creating new file...", "filePath", filePath, "function", "NewDirectIODisk", "at", "DirectIODisk")
	}

	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	// the image must cover every chunk that holds a valid block. A larger image is left as is.
	if err := extendImage(f, roundUp(int64(blocks)*int64(blockSize), int64(chunkSize))); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	logger.Info("Opening file in DIRECT I/O mode", "filePath", filePath, "function", "NewDirectIODisk", "at", "DirectIODisk")

	file, err := directio.OpenFile(filePath, os.O_RDWR, 0644)

	if err != nil {
		return nil, err
	}

	return &DirectIODisk{
		file:      file,
		blockSize: blockSize,
		blocks:    blocks,
		chunkSize: chunkSize,
		mutex:     &sync.Mutex{},
		logger:    logger,
	}, nil
}

func roundUp(n int64, multiple int64) int64 {
	return (n + multiple - 1) / multiple * multiple
}

// locate returns the aligned offset of the chunk holding the block and the block's position inside it.
func (disk *DirectIODisk) locate(blockNumber uint32) (chunkOffset int64, within int) {

	offset := int64(blockNumber) * int64(disk.blockSize)
	chunkOffset = offset - offset%int64(disk.chunkSize)
	return chunkOffset, int(offset - chunkOffset)
}

// readChunk reads one aligned chunk into freshly allocated aligned memory.
func (disk *DirectIODisk) readChunk(chunkOffset int64) ([]byte, error) {

	chunk := directio.AlignedBlock(disk.chunkSize)

	n, err := disk.file.ReadAt(chunk, chunkOffset)

	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, ErrDeviceClosed
		}
		disk.logger.Error("Failed to read data", "offset", chunkOffset, "error", err.Error(), "function", "readChunk", "at", "DirectIODisk")
		return nil, err
	}
	if n != len(chunk) {
		return nil, fmt.Errorf("read %d of %d bytes: %w", n, len(chunk), ErrShortTransfer)
	}
	return chunk, nil
}

func (disk *DirectIODisk) ReadBlock(blockNumber uint32, data []byte) error {

	if err := checkTransfer(blockNumber, disk.blocks, data, disk.blockSize); err != nil {
		return err
	}

	chunkOffset, within := disk.locate(blockNumber)

	disk.mutex.Lock()
	chunk, err := disk.readChunk(chunkOffset)
	disk.mutex.Unlock()

	if err != nil {
		return err
	}

	copy(data, chunk[within:within+disk.blockSize])
	return nil
}

func (disk *DirectIODisk) WriteBlock(blockNumber uint32, data []byte) error {

	if err := checkTransfer(blockNumber, disk.blocks, data, disk.blockSize); err != nil {
		return err
	}

	chunkOffset, within := disk.locate(blockNumber)

	disk.mutex.Lock()
	defer disk.mutex.Unlock()

	var chunk []byte

	if disk.chunkSize == disk.blockSize {
		chunk = directio.AlignedBlock(disk.chunkSize)
	} else {
		// neighbouring blocks share this chunk, so preserve their contents.
		var err error
		if chunk, err = disk.readChunk(chunkOffset); err != nil {
			return err
		}
	}

	copy(chunk[within:within+disk.blockSize], data)

	n, err := disk.file.WriteAt(chunk, chunkOffset)

	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrDeviceClosed
		}
		disk.logger.Error("Failed to write data", "offset", chunkOffset, "error", err.Error(), "function", "WriteBlock", "at", "DirectIODisk")
		return err
	}
	if n != len(chunk) {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(chunk), ErrShortTransfer)
	}
	return nil
}

func (disk *DirectIODisk) BlockSize() int { return disk.blockSize }

func (disk *DirectIODisk) Blocks() uint32 { return disk.blocks }

func (disk *DirectIODisk) Close() error {

	disk.logger.Info("Closing DirectIODisk...", "function", "Close", "at", "DirectIODisk")

	if err := disk.file.Close(); err != nil {
		disk.logger.Error("Failed to close file", "error", err.Error(), "function", "Close", "at", "DirectIODisk")
		return err
	}
	return nil
}
