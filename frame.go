// Core frame and sample types used across the streaming pipeline.
package nightbeam

// MediaKind distinguishes the two media streams of a session.
type MediaKind uint8

const (
	KindVideo MediaKind = iota
	KindAudio
)

func (k MediaKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                      // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatBGRA32                    // Packed BGRA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatBGRA32:
		return "BGRA32"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3
	case PixelFormatNV12:
		return 2
	case PixelFormatBGRA32:
		return 1
	default:
		return 0
	}
}

// VideoFrame represents one raw captured video frame.
// The Data slices may point to capture-owned memory; callers must ensure the
// data remains valid for the lifetime of the frame or Clone it.
type VideoFrame struct {
	Data      [][]byte    // Plane data (1-3 planes depending on format)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Capture timestamp in nanoseconds
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}

// AudioSamples represents raw captured audio samples.
type AudioSamples struct {
	Data        []byte // Interleaved signed 16-bit PCM
	SampleRate  int    // Sample rate (e.g., 48000)
	Channels    int    // Number of channels (1 = mono, 2 = stereo)
	SampleCount int    // Number of samples (per channel)
	Timestamp   int64  // Capture timestamp in nanoseconds
}

// Clone creates a deep copy of the audio samples.
func (s *AudioSamples) Clone() *AudioSamples {
	clone := &AudioSamples{
		SampleRate:  s.SampleRate,
		Channels:    s.Channels,
		SampleCount: s.SampleCount,
		Timestamp:   s.Timestamp,
	}
	if s.Data != nil {
		clone.Data = make([]byte, len(s.Data))
		copy(clone.Data, s.Data)
	}
	return clone
}

// FrameType indicates whether a video frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // Decodable independently
	FrameTypeDelta             // Requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame is one access unit: an independently timestamped encoded
// video or audio unit. Seq is strictly increasing per media kind within a
// session and never reused; the Orchestrator stamps it after encoding.
type EncodedFrame struct {
	Seq       uint64    // Per-kind frame sequence number
	Kind      MediaKind // Video or audio
	FrameType FrameType // Key or delta (video only; audio uses FrameTypeUnknown)
	Timestamp int64     // Capture timestamp in nanoseconds
	Data      []byte    // Encoded bitstream data
}

// IsKeyframe returns true if this is a video keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.Kind == KindVideo && f.FrameType == FrameTypeKey
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := &EncodedFrame{
		Seq:       f.Seq,
		Kind:      f.Kind,
		FrameType: f.FrameType,
		Timestamp: f.Timestamp,
	}
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return clone
}
