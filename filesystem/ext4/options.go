package ext4

import "github.com/google/uuid"

// MkfsOptions configures image synthesis. Zero value picks sensible defaults:
// 4096-byte blocks, no volume label, a 5% reserved-block ratio, and a 1024-block journal.
type MkfsOptions struct {
	BlockSize             uint32
	VolumeLabel           string
	ReservedBlocksPercent uint8
	JournalBlocks         uint32
	UUID                  *uuid.UUID
	Features              []FeatureOpt
}

func (o MkfsOptions) withDefaults() MkfsOptions {
	if o.BlockSize == 0 {
		o.BlockSize = 4096
	}
	if o.ReservedBlocksPercent == 0 {
		o.ReservedBlocksPercent = 5
	}
	if o.JournalBlocks == 0 {
		o.JournalBlocks = 1024
	}
	return o
}

// MountOptions configures Mount.
type MountOptions struct {
	ReadOnly bool
	// NoJournalReplay skips replay on mount, leaving a torn or uncommitted journal as
	// found; the journal is still wired in for new writes.
	NoJournalReplay bool
	// BitmapCacheSize, InodeCacheSize, DataCacheSize override the page caches' fixed
	// capacities. Zero picks the package default.
	BitmapCacheSize int
	InodeCacheSize  int
	DataCacheSize   int
}

const (
	defaultBitmapCacheCapacity = 32
	defaultInodeCacheCapacity  = 64
	defaultDataCacheCapacity   = 128
)

func (o MountOptions) withDefaults() MountOptions {
	if o.BitmapCacheSize == 0 {
		o.BitmapCacheSize = defaultBitmapCacheCapacity
	}
	if o.InodeCacheSize == 0 {
		o.InodeCacheSize = defaultInodeCacheCapacity
	}
	if o.DataCacheSize == 0 {
		o.DataCacheSize = defaultDataCacheCapacity
	}
	return o
}
