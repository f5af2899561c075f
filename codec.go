package nightbeam

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecH264
	VideoCodecH265
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// ParseVideoCodec parses a codec identifier as exchanged during
// negotiation. Unrecognized identifiers map to VideoCodecUnknown.
func ParseVideoCodec(s string) VideoCodec {
	switch s {
	case "H264", "h264", "AVC", "avc":
		return VideoCodecH264
	case "H265", "h265", "HEVC", "hevc":
		return VideoCodecH265
	case "AV1", "av1":
		return VideoCodecAV1
	default:
		return VideoCodecUnknown
	}
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecOpus
	AudioCodecPCM
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecOpus:
		return "Opus"
	case AudioCodecPCM:
		return "PCM"
	default:
		return "Unknown"
	}
}

// ParseAudioCodec parses an audio codec identifier.
func ParseAudioCodec(s string) AudioCodec {
	switch s {
	case "Opus", "opus":
		return AudioCodecOpus
	case "PCM", "pcm", "L16":
		return AudioCodecPCM
	default:
		return AudioCodecUnknown
	}
}

// IsH264Keyframe reports whether an H.264 Annex-B access unit contains an
// IDR slice. It scans NAL units behind 3- and 4-byte start codes.
func IsH264Keyframe(data []byte) bool {
	for i := 0; i+4 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		var nal byte
		if data[i+2] == 1 {
			nal = data[i+3]
		} else if data[i+2] == 0 && data[i+3] == 1 && i+4 < len(data) {
			nal = data[i+4]
		} else {
			continue
		}
		switch nal & 0x1F {
		case 5: // IDR slice
			return true
		case 1: // non-IDR slice; no IDR will follow in this AU
			return false
		}
	}
	return false
}
