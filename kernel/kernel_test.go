package kernel

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/Adarsh-Kmt/kmem/buffer_cache"
	"github.com/Adarsh-Kmt/kmem/page_allocator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	TEST_PAGE_SIZE  = 4096
	TEST_PAGES      = 32
	TEST_BLOCK_SIZE = 512
)

func testMemory() page_allocator.Config {
	return page_allocator.Config{
		Base:      page_allocator.DEFAULT_BASE,
		KernelEnd: page_allocator.DEFAULT_BASE + TEST_PAGE_SIZE,
		PhysTop:   page_allocator.DEFAULT_BASE + (TEST_PAGES+1)*TEST_PAGE_SIZE,
		PageSize:  TEST_PAGE_SIZE,
	}
}

func testOptions(extra ...Option) []Option {
	return append([]Option{
		WithCache(buffer_cache.Config{Buffers: 6, Shards: 3, BlockSize: TEST_BLOCK_SIZE}),
		WithMemory(testMemory()),
		WithDiskBlocks(64),
		WithLogLevel(slog.LevelWarn),
	}, extra...)
}

type KernelTestSuite struct {
	suite.Suite
	kernel *Kernel
}

func (ks *KernelTestSuite) SetupTest() {

	kernel, err := Boot(testOptions()...)
	ks.Require().NoError(err)
	ks.kernel = kernel
}

func (ks *KernelTestSuite) TearDownTest() {
	ks.Assert().NoError(ks.kernel.Close())
}

func (ks *KernelTestSuite) freePages() int {
	return ks.kernel.Memory().FreePages()
}

func (ks *KernelTestSuite) TestBootWiresComponents() {

	ks.Assert().Equal(6, ks.kernel.Cache().Config().Buffers)
	ks.Assert().Equal(TEST_PAGES, ks.kernel.Memory().Pages())
	ks.Assert().Equal(TEST_PAGES, ks.freePages())

	disk, err := ks.kernel.Devices().Lookup(ROOT_DEV)
	ks.Require().NoError(err)
	ks.Assert().Equal(uint32(64), disk.Blocks())
	ks.Assert().Equal(TEST_BLOCK_SIZE, disk.BlockSize())
}

func (ks *KernelTestSuite) TestBlockRoundTripThroughCache() {

	cache := ks.kernel.Cache()

	guard, err := cache.Read(ROOT_DEV, 5)
	ks.Require().NoError(err)
	copy(guard.Data(), "superblock")
	ks.Require().NoError(cache.Write(guard))
	guard.Done()

	// cycle more blocks than the cache holds.
	for blockNumber := uint32(10); blockNumber < 30; blockNumber++ {
		guard, err := cache.Read(ROOT_DEV, blockNumber)
		ks.Require().NoError(err)
		guard.Done()
	}

	guard, err = cache.Read(ROOT_DEV, 5)
	ks.Require().NoError(err)
	ks.Assert().Equal([]byte("superblock"), guard.Data()[:10])
	guard.Done()
}

func (ks *KernelTestSuite) TestForkSharesPagesUntilStore() {

	parent := ks.kernel.Spawn()
	ks.Require().NoError(parent.Map(0))
	ks.Require().NoError(parent.Map(1))
	ks.Require().NoError(parent.Store(100, []byte("hello")))

	child, err := ks.kernel.Fork(parent.Pid())
	ks.Require().NoError(err)
	ks.Assert().NotEqual(parent.Pid(), child.Pid())
	ks.Assert().Equal(TEST_PAGES-2, ks.freePages())

	pa, _ := parent.Translate(0)
	shared, _ := child.Translate(0)
	ks.Assert().Equal(pa, shared)
	ks.Assert().Equal(2, ks.kernel.Memory().RefCount(pa))

	data := make([]byte, 5)
	ks.Require().NoError(child.Load(100, data))
	ks.Assert().Equal([]byte("hello"), data)

	// the child's store copies the page.
	ks.Require().NoError(child.Store(100, []byte("world")))

	private, _ := child.Translate(0)
	ks.Assert().NotEqual(pa, private)
	ks.Assert().Equal(1, ks.kernel.Memory().RefCount(pa))
	ks.Assert().Equal(TEST_PAGES-3, ks.freePages())

	ks.Require().NoError(parent.Load(100, data))
	ks.Assert().Equal([]byte("hello"), data)
	ks.Require().NoError(child.Load(100, data))
	ks.Assert().Equal([]byte("world"), data)

	// the parent owns page 0 alone now and writes in place.
	ks.Require().NoError(parent.Store(100, []byte("again")))
	current, _ := parent.Translate(0)
	ks.Assert().Equal(pa, current)
	ks.Assert().Equal(TEST_PAGES-3, ks.freePages())

	// page 1 is still shared.
	pa, _ = parent.Translate(1)
	ks.Assert().Equal(2, ks.kernel.Memory().RefCount(pa))
}

func (ks *KernelTestSuite) TestStoreSpansPages() {

	space := ks.kernel.Spawn()
	ks.Require().NoError(space.Map(3))
	ks.Require().NoError(space.Map(4))

	va := uint64(4*TEST_PAGE_SIZE - 2)
	ks.Require().NoError(space.Store(va, []byte("abcd")))

	data := make([]byte, 4)
	ks.Require().NoError(space.Load(va, data))
	ks.Assert().Equal([]byte("abcd"), data)

	// fresh pages are zeroed, not filled with allocator junk.
	ks.Require().NoError(space.Load(3*TEST_PAGE_SIZE, data))
	ks.Assert().Equal(make([]byte, 4), data)
}

func (ks *KernelTestSuite) TestUnmappedAccess() {

	space := ks.kernel.Spawn()
	ks.Require().NoError(space.Map(0))

	ks.Assert().ErrorIs(space.Map(0), ErrAlreadyMapped)
	ks.Assert().ErrorIs(space.Unmap(7), ErrNotMapped)

	// a store running off the end of the mapping changes nothing.
	ks.Assert().ErrorIs(space.Store(TEST_PAGE_SIZE-1, []byte("xy")), ErrNotMapped)

	data := make([]byte, 1)
	ks.Require().NoError(space.Load(TEST_PAGE_SIZE-1, data))
	ks.Assert().Equal([]byte{0}, data)

	ks.Require().NoError(space.Unmap(0))
	ks.Assert().ErrorIs(space.Load(0, data), ErrNotMapped)
	ks.Assert().Equal(TEST_PAGES, ks.freePages())
}

func (ks *KernelTestSuite) TestExitReturnsEveryPage() {

	parent := ks.kernel.Spawn()
	for vpn := uint64(0); vpn < 3; vpn++ {
		ks.Require().NoError(parent.Map(vpn))
	}

	child, err := ks.kernel.Fork(parent.Pid())
	ks.Require().NoError(err)
	ks.Require().NoError(child.Store(0, []byte("x")))

	ks.Assert().Equal([]uint64{parent.Pid(), child.Pid()}, ks.kernel.Processes())

	ks.Require().NoError(ks.kernel.Exit(parent.Pid()))
	ks.Assert().Equal(TEST_PAGES-3, ks.freePages())

	ks.Require().NoError(ks.kernel.Exit(child.Pid()))
	ks.Assert().Equal(TEST_PAGES, ks.freePages())
	ks.Assert().NoError(ks.kernel.Memory().Audit())

	ks.Assert().ErrorIs(ks.kernel.Exit(child.Pid()), ErrNoSuchProcess)
	_, err = ks.kernel.Fork(parent.Pid())
	ks.Assert().ErrorIs(err, ErrNoSuchProcess)
	ks.Assert().Empty(ks.kernel.Processes())
}

func (ks *KernelTestSuite) TestStoreWithoutMemory() {

	parent := ks.kernel.Spawn()
	for vpn := uint64(0); vpn < TEST_PAGES; vpn++ {
		ks.Require().NoError(parent.Map(vpn))
	}

	ks.Assert().ErrorIs(parent.Map(TEST_PAGES), page_allocator.ErrNoMemory)

	child, err := ks.kernel.Fork(parent.Pid())
	ks.Require().NoError(err)

	ks.Assert().ErrorIs(child.Store(0, []byte("x")), page_allocator.ErrNoMemory)

	// freeing the parent leaves the child sole owner of every page.
	ks.Require().NoError(ks.kernel.Exit(parent.Pid()))
	ks.Require().NoError(child.Store(0, []byte("x")))
	ks.Assert().Equal(0, ks.freePages())
}

func (ks *KernelTestSuite) TestFailedStoreWritesNothing() {

	parent := ks.kernel.Spawn()
	ks.Require().NoError(parent.Map(0))
	ks.Require().NoError(parent.Map(1))

	va := uint64(TEST_PAGE_SIZE - 2)
	ks.Require().NoError(parent.Store(va, []byte("wxyz")))

	child, err := ks.kernel.Fork(parent.Pid())
	ks.Require().NoError(err)

	// leave room to copy the first shared page but not the second.
	filler := ks.kernel.Spawn()
	for vpn := uint64(0); vpn < TEST_PAGES-3; vpn++ {
		ks.Require().NoError(filler.Map(vpn))
	}
	ks.Require().Equal(1, ks.freePages())

	ks.Assert().ErrorIs(child.Store(va, []byte("abcd")), page_allocator.ErrNoMemory)

	data := make([]byte, 4)
	ks.Require().NoError(child.Load(va, data))
	ks.Assert().Equal([]byte("wxyz"), data)
	ks.Require().NoError(parent.Load(va, data))
	ks.Assert().Equal([]byte("wxyz"), data)

	// once memory is back the same store goes through whole.
	ks.Require().NoError(ks.kernel.Exit(filler.Pid()))
	ks.Require().NoError(child.Store(va, []byte("abcd")))
	ks.Require().NoError(child.Load(va, data))
	ks.Assert().Equal([]byte("abcd"), data)
	ks.Require().NoError(parent.Load(va, data))
	ks.Assert().Equal([]byte("wxyz"), data)
	ks.Assert().NoError(ks.kernel.Memory().Audit())
}

func TestKernel(t *testing.T) {
	suite.Run(t, new(KernelTestSuite))
}

func TestBootRejectsBadConfig(t *testing.T) {

	_, err := Boot(testOptions(WithDevice("tape", ""))...)
	assert.Error(t, err)

	_, err = Boot(testOptions(WithDiskBlocks(0))...)
	assert.Error(t, err)

	_, err = Boot(testOptions(WithCache(buffer_cache.Config{Buffers: 0, Shards: 1, BlockSize: TEST_BLOCK_SIZE}))...)
	assert.Error(t, err)
}

func TestFileDeviceSurvivesReboot(t *testing.T) {

	path := filepath.Join(t.TempDir(), "fs.img")

	kernel, err := Boot(testOptions(WithDevice(DEVICE_FILE, path))...)
	require.NoError(t, err)

	guard, err := kernel.Cache().Read(ROOT_DEV, 9)
	require.NoError(t, err)
	copy(guard.Data(), "persisted")
	require.NoError(t, kernel.Cache().Write(guard))
	guard.Done()

	require.NoError(t, kernel.Close())

	kernel, err = Boot(testOptions(WithDevice(DEVICE_FILE, path))...)
	require.NoError(t, err)
	defer kernel.Close()

	guard, err = kernel.Cache().Read(ROOT_DEV, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), guard.Data()[:9])
	guard.Done()
}

func TestLoggerFormats(t *testing.T) {

	var buffer bytes.Buffer

	newLogger(&buffer, slog.LevelInfo, true).Info("booted", "pages", 8)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &record))
	assert.Equal(t, "booted", record["msg"])
	assert.Equal(t, float64(8), record["pages"])

	buffer.Reset()
	newLogger(&buffer, slog.LevelWarn, false).Info("hidden")
	assert.Empty(t, buffer.String())
}
