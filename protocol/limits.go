package protocol

import "math"

const (
	// maxPageInches is the PDF user-space limit (14400pt) expressed in inches.
	maxPageInches = 200
	// dimensionCap bounds a single side regardless of resolution.
	dimensionCap = 1 << 20
	// MaxPageArea is the largest page surface rendered, in square inches
	// (ISO A0, 841 x 1189 mm). At 300 dpi this is about 139M pixels.
	MaxPageArea = 33.11 * 46.81
	// MaxChunkSize bounds the payload of one PageData frame. Larger pages
	// travel as several consecutive PageData frames.
	MaxChunkSize = 4 << 20
	// DefaultMaxReason bounds PageError reason strings.
	DefaultMaxReason = 1024
)

// Limits are the bounds every numeric frame field is checked against before
// any buffer is allocated.
type Limits struct {
	MaxPages        uint32
	MaxDimension    uint32
	MaxPixels       uint64
	MaxDocumentSize uint32
	MaxReason       uint32
}

// NewLimits derives the frame limits from the configured resolution (samples per
// inch), the maximum page count and the maximum accepted input size. A page of
// up to MaxPageArea square inches fits at any resolution.
func NewLimits(resolution, maxPages int, maxDocumentSize int64) Limits {
	dim := uint64(resolution) * maxPageInches
	if dim > dimensionCap {
		dim = dimensionCap
	}
	docSize := maxDocumentSize
	if docSize > math.MaxUint32 {
		docSize = math.MaxUint32
	}
	if docSize < 0 {
		docSize = 0
	}
	return Limits{
		MaxPages:        uint32(maxPages),
		MaxDimension:    uint32(dim),
		MaxPixels:       PagePixels(MaxPageArea, resolution),
		MaxDocumentSize: uint32(docSize),
		MaxReason:       DefaultMaxReason,
	}
}

// WithMaxPageBytes lowers the pixel bound so that one page's RGB payload never
// exceeds n bytes. n <= 0 leaves the limits unchanged.
func (l Limits) WithMaxPageBytes(n int64) Limits {
	if n <= 0 {
		return l
	}
	if px := uint64(n) / BytesPerPixel; px < l.MaxPixels {
		l.MaxPixels = px
	}
	return l
}

// PagePixels is the pixel count of a page of area square inches at resolution.
func PagePixels(area float64, resolution int) uint64 {
	r := float64(resolution)
	return uint64(math.Ceil(area * r * r))
}

// MaxPageBytes is the largest RGB payload a single page may carry.
func (l Limits) MaxPageBytes() uint64 {
	return l.MaxPixels * BytesPerPixel
}

// CheckDimensions reports whether a width x height page fits the limits.
func (l Limits) CheckDimensions(width, height uint32) bool {
	if width == 0 || height == 0 {
		return false
	}
	if width > l.MaxDimension || height > l.MaxDimension {
		return false
	}
	return uint64(width)*uint64(height) <= l.MaxPixels
}
