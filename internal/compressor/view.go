package compressor

import "fmt"

// State is the Flow's position in the Empty -> Decoding -> Ready lifecycle.
type State int

const (
	StateEmpty State = iota
	StateDecoding
	StateReady
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDecoding:
		return "decoding"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// View is a snapshot of everything the comparison page displays.
type View struct {
	State             State  `json:"state"`
	Generation        uint64 `json:"generation"`
	ComparisonVisible bool   `json:"comparison_visible"`
	QualityPercent    int    `json:"quality_percent"`
	QualityLabel      string `json:"quality_label"`

	SourceName        string `json:"source_name,omitempty"`
	OriginalMIME      string `json:"original_mime,omitempty"`
	OriginalSize      int64  `json:"original_size"`
	OriginalSizeLabel string `json:"original_size_label,omitempty"`
	Width             int    `json:"width"`
	Height            int    `json:"height"`

	CompressedSize      int64  `json:"compressed_size"`
	CompressedSizeLabel string `json:"compressed_size_label,omitempty"`
	OutputHash          string `json:"output_hash,omitempty"`
	DownloadEnabled     bool   `json:"download_enabled"`
}

// EventKind names something that happened inside a Flow.
type EventKind string

const (
	EventFileRejected    EventKind = "file_rejected"
	EventDecodeStarted   EventKind = "decode_started"
	EventImageInstalled  EventKind = "image_installed"
	EventDecodeDiscarded EventKind = "decode_discarded"
	EventDecodeFailed    EventKind = "decode_failed"
	EventQualityChanged  EventKind = "quality_changed"
	EventReencoded       EventKind = "reencoded"
	EventEncodeFailed    EventKind = "encode_failed"
	EventDownloaded      EventKind = "downloaded"
)

// IsAlert reports whether the event must be shown to the user as a
// blocking notification.
func (k EventKind) IsAlert() bool {
	switch k {
	case EventFileRejected, EventDecodeFailed, EventEncodeFailed:
		return true
	default:
		return false
	}
}

// Event is delivered to observers after the Flow state it describes has been
// applied. View is the state right after the change.
type Event struct {
	Kind       EventKind
	Generation uint64
	View       View
	Err        error
	Bytes      int64
	CacheHit   bool
}

// Observer receives Flow events. Observers run synchronously and must not
// call mutating Flow methods.
type Observer func(Event)
