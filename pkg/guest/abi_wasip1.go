//go:build wasip1

package guest

import (
	"encoding/binary"
	"unsafe"
)

//go:wasmimport env ff_put_object
func ffPutObject(typeID int64, ptr unsafe.Pointer, n uint32)

//go:wasmimport env ff_get_object
func ffGetObject(typeID int64, id uint64, lenPtr unsafe.Pointer) uint32

//go:wasmimport env ff_put_many_to_many_record
func ffPutManyToMany(ptr unsafe.Pointer, n uint32)

//go:wasmimport env ff_log_data
func ffLogData(ptr unsafe.Pointer, n uint32, level int32)

//go:wasmimport env ff_early_exit
func ffEarlyExit(code int32)

// live keeps buffers handed to the host reachable until dealloc_fn.
var live = map[uint32][]byte{}

//go:wasmexport alloc_fn
func allocFn(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	live[ptr] = buf
	return ptr
}

//go:wasmexport dealloc_fn
func deallocFn(ptr, _ uint32) {
	delete(live, ptr)
}

// take returns the buffer at ptr and releases it.
func take(ptr, n uint32) []byte {
	buf, ok := live[ptr]
	if !ok || uint32(len(buf)) < n {
		panic("guest: unknown host buffer")
	}
	delete(live, ptr)
	return buf[:n]
}

//go:wasmexport handle_events
func handleEvents(ptr, n uint32) {
	buf, ok := live[ptr]
	if !ok || uint32(len(buf)) < n {
		panic("guest: unknown batch buffer")
	}
	// The host reclaims the batch with dealloc_fn after we return.
	if err := dispatch(wasmHost{}, buf[:n]); err != nil {
		wasmHost{}.Log(LevelError, err.Error())
		panic(err)
	}
}

var versionBytes []byte

//go:wasmexport get_version_ptr
func getVersionPtr() uint32 {
	versionBytes = []byte(version())
	if len(versionBytes) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(&versionBytes[0])))
}

//go:wasmexport get_version_len
func getVersionLen() uint32 {
	return uint32(len(version()))
}

type wasmHost struct{}

func (wasmHost) PutObject(typeID int64, row []byte) {
	if len(row) == 0 {
		return
	}
	ffPutObject(typeID, unsafe.Pointer(&row[0]), uint32(len(row)))
}

func (wasmHost) GetObject(typeID int64, id uint64) []byte {
	var size [4]byte
	ptr := ffGetObject(typeID, id, unsafe.Pointer(&size[0]))
	n := binary.LittleEndian.Uint32(size[:])
	if ptr == 0 {
		return nil
	}
	return take(ptr, n)
}

func (wasmHost) PutManyToMany(rec []byte) {
	ffPutManyToMany(unsafe.Pointer(&rec[0]), uint32(len(rec)))
}

func (wasmHost) Log(level Level, msg string) {
	if msg == "" {
		return
	}
	b := []byte(msg)
	ffLogData(unsafe.Pointer(&b[0]), uint32(len(b)), int32(level))
}

func (wasmHost) Exit(code int32) {
	ffEarlyExit(code)
}
