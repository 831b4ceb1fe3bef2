package block_device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// FileDisk keeps the device image in a regular file and goes through the OS page cache.
type FileDisk struct {
	file      *os.File
	blockSize int
	blocks    uint32

	logger *slog.Logger
}

// NewFileDisk opens (creating if needed) an image of the given geometry.
// A shorter existing file is extended with zero blocks.
func NewFileDisk(filePath string, blocks uint32, blockSize int, logger *slog.Logger) (*FileDisk, error) {

	if blockSize <= 0 {
		blockSize = DEFAULT_BLOCK_SIZE
	}
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)

	if err != nil {
		return nil, err
	}

	if err := extendImage(file, int64(blocks)*int64(blockSize)); err != nil {
		file.Close()
		return nil, err
	}

	logger.Info("opened file disk", "filePath", filePath, "blocks", blocks, "blockSize", blockSize, "function", "NewFileDisk", "at", "FileDisk")

	return &FileDisk{
		file:      file,
		blockSize: blockSize,
		blocks:    blocks,
		logger:    logger,
	}, nil
}

// extendImage grows the file to size bytes if it is shorter.
func extendImage(file *os.File, size int64) error {

	fileStats, err := file.Stat()

	if err != nil {
		return err
	}

	if fileStats.Size() < size {
		return file.Truncate(size)
	}
	return nil
}

// ReadAt and WriteAt issue pread/pwrite, so concurrent transfers do not race on a shared file offset.
func (disk *FileDisk) ReadBlock(blockNumber uint32, data []byte) error {

	if err := checkTransfer(blockNumber, disk.blocks, data, disk.blockSize); err != nil {
		return err
	}

	n, err := disk.file.ReadAt(data, int64(blockNumber)*int64(disk.blockSize))

	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		if errors.Is(err, os.ErrClosed) {
			return ErrDeviceClosed
		}
		return err
	}
	if n != len(data) {
		return fmt.Errorf("read %d of %d bytes: %w", n, len(data), ErrShortTransfer)
	}
	return nil
}

func (disk *FileDisk) WriteBlock(blockNumber uint32, data []byte) error {

	if err := checkTransfer(blockNumber, disk.blocks, data, disk.blockSize); err != nil {
		return err
	}

	n, err := disk.file.WriteAt(data, int64(blockNumber)*int64(disk.blockSize))

	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrDeviceClosed
		}
		return err
	}
	if n != len(data) {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(data), ErrShortTransfer)
	}
	return nil
}

func (disk *FileDisk) BlockSize() int { return disk.blockSize }

func (disk *FileDisk) Blocks() uint32 { return disk.blocks }

// Sync flushes the OS page cache for the image to stable storage.
func (disk *FileDisk) Sync() error {
	return disk.file.Sync()
}

// Close syncs and closes the image. A failed sync is reported even if the close succeeds.
func (disk *FileDisk) Close() error {

	syncErr := disk.file.Sync()
	if syncErr != nil {
		disk.logger.Error("failed to sync image", "error", syncErr.Error(), "function", "Close", "at", "FileDisk")
		syncErr = fmt.Errorf("sync image: %w", syncErr)
	}

	closeErr := disk.file.Close()
	if closeErr != nil {
		disk.logger.Error("failed to close image", "error", closeErr.Error(), "function", "Close", "at", "FileDisk")
	}

	return errors.Join(syncErr, closeErr)
}
