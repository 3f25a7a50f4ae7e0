package pmem

import "math"

// SizeClassConfig defines the free-list bucketing strategy. Sizes are total
// block sizes including the 16-byte header.
type SizeClassConfig struct {
	// Name for this configuration
	Name string

	// Small blocks (linear increments)
	SmallMin       int64 // Minimum block size
	SmallMax       int64 // Max for linear increments
	SmallIncrement int64 // Increment between small classes

	// Medium blocks (logarithmic growth); anything larger lands on the large list
	MediumMax    int64
	GrowthFactor float64
}

// Predefined configurations.
var (
	// ConfigFine: many small buckets for object-heavy workloads.
	// 48-1024 step 16 (61 classes) + 1K-64K log growth (~11 classes).
	ConfigFine = SizeClassConfig{
		Name:           "Fine",
		SmallMin:       48,
		SmallMax:       1024,
		SmallIncrement: 16,
		MediumMax:      64 << 10,
		GrowthFactor:   1.5,
	}

	// ConfigCoarse: fewer buckets, more internal fragmentation.
	// 48-1024 step 64 (16 classes) + 1K-64K doubling (6 classes).
	ConfigCoarse = SizeClassConfig{
		Name:           "Coarse",
		SmallMin:       48,
		SmallMax:       1024,
		SmallIncrement: 64,
		MediumMax:      64 << 10,
		GrowthFactor:   2.0,
	}

	// DefaultConfig is used if none is specified.
	DefaultConfig = ConfigFine
)

// sizeClassTable holds the computed size class boundaries.
type sizeClassTable struct {
	config     SizeClassConfig
	boundaries []int64 // Upper bound for each size class
	numClasses int
}

// newSizeClassTable computes size class boundaries from config.
func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	table := &sizeClassTable{
		config:     config,
		boundaries: make([]int64, 0, 80),
	}

	for size := config.SmallMin; size < config.SmallMax; size += config.SmallIncrement {
		table.boundaries = append(table.boundaries, size+config.SmallIncrement-1)
	}

	if config.SmallMax < config.MediumMax {
		size := config.SmallMax
		for size < config.MediumMax {
			next := int64(math.Ceil(float64(size) * config.GrowthFactor))
			if next <= size {
				next = size + 1
			}
			table.boundaries = append(table.boundaries, next-1)
			size = next
		}
	}

	table.numClasses = len(table.boundaries)
	return table
}

// classOf returns the size class index for a block size.
// Returns numClasses for sizes above every boundary (the large list).
func (t *sizeClassTable) classOf(size int64) int {
	lo, hi := 0, t.numClasses-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if size <= t.boundaries[mid] {
			if mid == 0 || size > t.boundaries[mid-1] {
				return mid
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return t.numClasses
}
