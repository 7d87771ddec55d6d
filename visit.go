package nudb

import (
	"github.com/flashstore/nudb/bulkio"
	"github.com/flashstore/nudb/format"
	"github.com/flashstore/nudb/nfile"
)

// VisitFunc is called once per key/value pair found by Visit. Both slices
// are only valid for the duration of the call. A false return stops the
// visit early.
type VisitFunc func(key, value []byte) bool

// Visit sequentially scans the data file at datPath, calling fn for every
// value record in file order and skipping over spill records. It opens
// only the data file, so it can recover key/value pairs even when the key
// file is missing or unusable. Visit reports whether the scan reached the
// end of the file; a false return means either fn or the data itself
// stopped it early.
func Visit(datPath string, fn VisitFunc) (bool, error) {
	datFile, err := nfile.Open(datPath)
	if err != nil {
		return false, wrapError(ErrShortRead, err)
	}
	defer datFile.Close()

	datBuf := make([]byte, datHeaderSize)
	if _, err := datFile.ReadAt(datBuf, 0); err != nil {
		return false, wrapError(ErrShortRead, err)
	}
	dh, err := decodeDataHeader(datBuf)
	if err != nil {
		return false, err
	}

	datFileSize, err := datFile.Size()
	if err != nil {
		return false, wrapError(ErrShortRead, err)
	}

	r := bulkio.NewReader(datFile, int64(datHeaderSize), datFileSize)
	for r.Remaining() > 0 {
		sizeBuf := make([]byte, 6)
		if err := r.ReadFull(sizeBuf); err != nil {
			return false, wrapError(ErrShortDataRecord, err)
		}
		size := format.Uint48(sizeBuf)
		if size > 0 {
			rec := make([]byte, int(dh.KeySize)+int(size))
			if err := r.ReadFull(rec); err != nil {
				return false, wrapError(ErrShortValue, err)
			}
			key := rec[:dh.KeySize]
			value := rec[dh.KeySize:]
			if !fn(key, value) {
				return false, nil
			}
			continue
		}
		lenBuf := make([]byte, 2)
		if err := r.ReadFull(lenBuf); err != nil {
			return false, wrapError(ErrShortSpill, err)
		}
		bodyLen := format.Uint16(lenBuf)
		skip := make([]byte, bodyLen)
		if err := r.ReadFull(skip); err != nil {
			return false, wrapError(ErrShortSpill, err)
		}
	}
	return true, nil
}
