package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// EncodeExtentRecords packs extent records back to back
func EncodeExtentRecords(records []types.ExtentRecord, endian binary.ByteOrder) []byte {
	data := make([]byte, len(records)*types.ExtentRecordSize)
	offset := 0
	for _, r := range records {
		endian.PutUint64(data[offset:offset+8], r.Start)
		endian.PutUint64(data[offset+8:offset+16], r.Block)
		endian.PutUint64(data[offset+16:offset+24], r.Count)
		offset += types.ExtentRecordSize
	}
	return data
}

// ParseExtentRecords unpacks records written by EncodeExtentRecords
func ParseExtentRecords(data []byte, endian binary.ByteOrder) ([]types.ExtentRecord, error) {
	if len(data)%types.ExtentRecordSize != 0 {
		return nil, fmt.Errorf("extent record data is %d bytes, not a multiple of %d", len(data), types.ExtentRecordSize)
	}

	records := make([]types.ExtentRecord, 0, len(data)/types.ExtentRecordSize)
	for offset := 0; offset < len(data); offset += types.ExtentRecordSize {
		records = append(records, types.ExtentRecord{
			Start: endian.Uint64(data[offset : offset+8]),
			Block: endian.Uint64(data[offset+8 : offset+16]),
			Count: endian.Uint64(data[offset+16 : offset+24]),
		})
	}
	return records, nil
}
