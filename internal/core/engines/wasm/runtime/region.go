package runtime

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
)

// RegionSize Region 描述符字节数：offset、capacity、length 各 4 字节小端
const RegionSize = 12

// region 合约内存中的缓冲区描述
type region struct {
	Offset   uint32
	Capacity uint32
	Length   uint32
}

func readRegion(mem api.Memory, ptr uint32) (region, error) {
	raw, ok := mem.Read(ptr, RegionSize)
	if !ok {
		return region{}, fmt.Errorf("%w: region pointer %d out of bounds", ErrMemoryAccess, ptr)
	}
	r := region{
		Offset:   binary.LittleEndian.Uint32(raw[0:4]),
		Capacity: binary.LittleEndian.Uint32(raw[4:8]),
		Length:   binary.LittleEndian.Uint32(raw[8:12]),
	}
	if r.Length > r.Capacity {
		return region{}, fmt.Errorf("%w: region length %d exceeds capacity %d", ErrMemoryAccess, r.Length, r.Capacity)
	}
	if uint64(r.Offset)+uint64(r.Capacity) > uint64(mem.Size()) {
		return region{}, fmt.Errorf("%w: region [%d, +%d) outside memory of %d bytes", ErrMemoryAccess, r.Offset, r.Capacity, mem.Size())
	}
	return r, nil
}

// readRegionData 读取 Region 指向的数据副本，maxLen 为 0 表示不限制
func readRegionData(mem api.Memory, ptr uint32, maxLen uint32) ([]byte, error) {
	r, err := readRegion(mem, ptr)
	if err != nil {
		return nil, err
	}
	if maxLen > 0 && r.Length > maxLen {
		return nil, fmt.Errorf("%w: region length %d exceeds limit %d", ErrMemoryAccess, r.Length, maxLen)
	}
	data, ok := mem.Read(r.Offset, r.Length)
	if !ok {
		return nil, fmt.Errorf("%w: cannot read %d bytes at %d", ErrMemoryAccess, r.Length, r.Offset)
	}
	return append([]byte(nil), data...), nil
}

// writeRegionData 把 data 写入 Region 并更新 length
func writeRegionData(mem api.Memory, ptr uint32, data []byte) error {
	r, err := readRegion(mem, ptr)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(r.Capacity) {
		return fmt.Errorf("%w: %d bytes do not fit region capacity %d", ErrMemoryAccess, len(data), r.Capacity)
	}
	if !mem.Write(r.Offset, data) {
		return fmt.Errorf("%w: cannot write %d bytes at %d", ErrMemoryAccess, len(data), r.Offset)
	}
	if !mem.WriteUint32Le(ptr+8, uint32(len(data))) {
		return fmt.Errorf("%w: cannot update region length at %d", ErrMemoryAccess, ptr)
	}
	return nil
}

// allocateRegion 通过合约导出的 allocate 申请缓冲区并写入 data，返回 Region 指针
//
// allocate 在合约内执行，会消耗燃料；其陷阱原样返回给调用方。
func allocateRegion(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	alloc := mod.ExportedFunction(compiler.ExportAllocate)
	if alloc == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingExport, compiler.ExportAllocate)
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, fmt.Errorf("%w: allocate returned null region", ErrMemoryAccess)
	}
	if err := writeRegionData(mod.Memory(), ptr, data); err != nil {
		return 0, err
	}
	return ptr, nil
}
