package util

import (
	"fmt"
	"hash/crc32"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	debug  = atomic.NewUint64(1)
	logger = zap.NewNop()
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	logger = l
}

// SetLogger replaces the process logger; walctl installs one built from
// its --log-level flag.
func SetLogger(l *zap.Logger) {
	logger = l
}

func Logger() *zap.Logger {
	return logger
}

// SetDebug sets the highest DPrintf level that is printed.
func SetDebug(level uint64) {
	debug.Store(level)
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= debug.Load() {
		logger.Sugar().Infof(format, a...)
	}
}

// Fatalf reports a violated durability invariant and stops the caller. The
// log cannot run in a degraded mode, so nothing recovers from this panic.
func Fatalf(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	logger.Error("fatal log condition", zap.String("diagnostic", msg))
	panic("wal: " + msg)
}

// Floor2 rounds n down to a multiple of the power of two sz.
func Floor2(n int64, sz int64) int64 {
	return n & -sz
}

// Ceil2 rounds n up to a multiple of the power of two sz.
func Ceil2(n int64, sz int64) int64 {
	return Floor2(n+sz-1, sz)
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func ChecksumCRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// UpdateCRC32C extends crc with data, for checksums over several ranges.
func UpdateCRC32C(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32cTable, data)
}
