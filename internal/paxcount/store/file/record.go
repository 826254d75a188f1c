package file

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

// RecordSize is the fixed on-disk size of one passenger event.
//
//	off  len  field
//	  0    4  local id (uint32 LE)
//	  4    1  event type
//	  5    1  flags (bit 0: GPS present)
//	  6    2  reserved, zero
//	  8    8  timestamp, unix seconds (int64 LE)
//	 16    8  latitude  (float64 bits LE)
//	 24    8  longitude (float64 bits LE)
//	 32    4  passenger count after (uint32 LE)
//	 36    4  CRC-32 (IEEE) of bytes 0..35
const RecordSize = 40

const (
	flagGPS    = 1 << 0
	recordBody = RecordSize - 4
)

var errBadRecord = errors.New("corrupt event record")

func encodeRecord(ev types.PassengerEvent) [RecordSize]byte {
	var b [RecordSize]byte
	binary.LittleEndian.PutUint32(b[0:4], ev.LocalID)
	b[4] = byte(ev.Type)
	if ev.HasGPS() {
		b[5] = flagGPS
		binary.LittleEndian.PutUint64(b[16:24], math.Float64bits(*ev.Latitude))
		binary.LittleEndian.PutUint64(b[24:32], math.Float64bits(*ev.Longitude))
	}
	binary.LittleEndian.PutUint64(b[8:16], uint64(ev.Timestamp))
	binary.LittleEndian.PutUint32(b[32:36], ev.PassengerCountAfter)
	binary.LittleEndian.PutUint32(b[36:40], crc32.ChecksumIEEE(b[:recordBody]))
	return b
}

func decodeRecord(b []byte) (types.PassengerEvent, error) {
	if len(b) < RecordSize {
		return types.PassengerEvent{}, errBadRecord
	}
	if crc32.ChecksumIEEE(b[:recordBody]) != binary.LittleEndian.Uint32(b[36:40]) {
		return types.PassengerEvent{}, errBadRecord
	}
	ev := types.PassengerEvent{
		LocalID:             binary.LittleEndian.Uint32(b[0:4]),
		Type:                types.EventType(b[4]),
		Timestamp:           int64(binary.LittleEndian.Uint64(b[8:16])),
		PassengerCountAfter: binary.LittleEndian.Uint32(b[32:36]),
	}
	if !ev.Type.Valid() {
		return types.PassengerEvent{}, errBadRecord
	}
	if b[5]&flagGPS != 0 {
		lat := math.Float64frombits(binary.LittleEndian.Uint64(b[16:24]))
		lon := math.Float64frombits(binary.LittleEndian.Uint64(b[24:32]))
		ev.Latitude = &lat
		ev.Longitude = &lon
	}
	return ev, nil
}
