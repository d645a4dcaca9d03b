// Package envelope implements the JSON control messages exchanged between the hub and its devices
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Field names used on the wire
const (
	FieldReason          = "reason"
	FieldRTSPURL         = "rtsp_url"
	FieldDeviceID        = "device_id"
	FieldUploadURL       = "upload_url"
	FieldTimestamp       = "timestamp"
	FieldCommand         = "command"
	FieldDirection       = "direction"
	FieldDuration        = "duration"
	FieldStatus          = "status"
	FieldBattery         = "battery"
	FieldIsMoving        = "is_moving"
	FieldCurrentPosition = "current_position"
	FieldResponse        = "response"
	FieldSize            = "size"
)

// Command names
const (
	CommandCheckStatus = "check_status"
	CommandMove        = "move"
	CommandGetJPEG     = "get_jpeg"
)

// ResponseJPEGImage announces a raw image payload following the envelope
const ResponseJPEGImage = "jpeg_image"

// ErrMalformed is returned for envelopes that cannot be parsed or lack required fields
var ErrMalformed = errors.New("malformed envelope")

// Envelope is one self-describing control message. Its shape determines its meaning.
type Envelope map[string]any

// Kind classifies an envelope by the fields it carries
type Kind string

const (
	KindInit      Kind = "init"
	KindUploadURL Kind = "upload_url"
	KindCommand   Kind = "command"
	KindTelemetry Kind = "telemetry"
	KindImage     Kind = "image"
	KindUnknown   Kind = "unknown"
)

// Kind reports which schema row the envelope matches.
// The checks run in a fixed order so that an envelope carrying several
// marker fields is classified deterministically.
func (e Envelope) Kind() Kind {
	switch {
	case e.Has(FieldResponse):
		if r, _ := e.String(FieldResponse); r == ResponseJPEGImage {
			return KindImage
		}
		return KindUnknown
	case e.Has(FieldCommand):
		return KindCommand
	case e.Has(FieldReason):
		return KindInit
	case e.Has(FieldStatus):
		return KindTelemetry
	case e.Has(FieldUploadURL):
		return KindUploadURL
	default:
		return KindUnknown
	}
}

// Has reports whether the field is present
func (e Envelope) Has(key string) bool {
	_, ok := e[key]
	return ok
}

// String returns a string field
func (e Envelope) String(key string) (string, bool) {
	s, ok := e[key].(string)
	return s, ok
}

// Number returns a numeric field. Decoded JSON numbers are float64, but
// envelopes built in-process may carry integer types.
func (e Envelope) Number(key string) (float64, bool) {
	switch v := e[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Bool returns a boolean field
func (e Envelope) Bool(key string) (bool, bool) {
	b, ok := e[key].(bool)
	return b, ok
}

// Timestamp returns the envelope timestamp as Unix seconds, or 0 when absent
func (e Envelope) Timestamp() int64 {
	ts, _ := e.Number(FieldTimestamp)
	return int64(ts)
}

// Marshal encodes the envelope as one JSON line
func (e Envelope) Marshal() ([]byte, error) {
	data, err := e.MarshalObject()
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// MarshalObject encodes e without the line terminator. An image header is
// written this way because its payload starts at the byte after the
// closing brace.
func (e Envelope) MarshalObject() ([]byte, error) {
	data, err := json.Marshal(map[string]any(e))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Init is the client→server session announcement
type Init struct {
	Reason    string
	StreamURL *string
	DeviceID  *string
}

// ParseInit reads an init envelope. Absent optional fields stay nil.
func ParseInit(e Envelope) (Init, error) {
	reason, ok := e.String(FieldReason)
	if !ok {
		return Init{}, fmt.Errorf("%w: %q must be a string", ErrMalformed, FieldReason)
	}
	in := Init{Reason: reason}
	if e.Has(FieldRTSPURL) {
		u, ok := e.String(FieldRTSPURL)
		if !ok {
			return Init{}, fmt.Errorf("%w: %q must be a string", ErrMalformed, FieldRTSPURL)
		}
		in.StreamURL = &u
	}
	if e.Has(FieldDeviceID) {
		id, ok := e.String(FieldDeviceID)
		if !ok {
			return Init{}, fmt.Errorf("%w: %q must be a string", ErrMalformed, FieldDeviceID)
		}
		in.DeviceID = &id
	}
	return in, nil
}

// NewInit builds an init envelope. Empty optional values are omitted.
func NewInit(reason, streamURL, deviceID string) Envelope {
	e := Envelope{FieldReason: reason}
	if streamURL != "" {
		e[FieldRTSPURL] = streamURL
	}
	if deviceID != "" {
		e[FieldDeviceID] = deviceID
	}
	return e
}

// Telemetry is the client→server reply to check_status
type Telemetry struct {
	Status          string  `json:"status"`
	Battery         float64 `json:"battery"`
	IsMoving        bool    `json:"is_moving"`
	CurrentPosition string  `json:"current_position"`
}

// ParseTelemetry reads a telemetry reply. status is required; the other
// fields keep their zero value when absent but must have the right type when present.
func ParseTelemetry(e Envelope) (Telemetry, error) {
	var t Telemetry
	status, ok := e.String(FieldStatus)
	if !ok {
		return t, fmt.Errorf("%w: %q must be a string", ErrMalformed, FieldStatus)
	}
	t.Status = status
	if e.Has(FieldBattery) {
		if t.Battery, ok = e.Number(FieldBattery); !ok {
			return t, fmt.Errorf("%w: %q must be a number", ErrMalformed, FieldBattery)
		}
	}
	if e.Has(FieldIsMoving) {
		if t.IsMoving, ok = e.Bool(FieldIsMoving); !ok {
			return t, fmt.Errorf("%w: %q must be a bool", ErrMalformed, FieldIsMoving)
		}
	}
	if e.Has(FieldCurrentPosition) {
		if t.CurrentPosition, ok = e.String(FieldCurrentPosition); !ok {
			return t, fmt.Errorf("%w: %q must be a string", ErrMalformed, FieldCurrentPosition)
		}
	}
	return t, nil
}

// Envelope encodes the telemetry reply
func (t Telemetry) Envelope() Envelope {
	return Envelope{
		FieldStatus:          t.Status,
		FieldBattery:         t.Battery,
		FieldIsMoving:        t.IsMoving,
		FieldCurrentPosition: t.CurrentPosition,
	}
}

// ImageHeader announces size raw bytes following on the same stream
type ImageHeader struct {
	Timestamp int64
	Size      int64
}

// ParseImageHeader reads a jpeg_image response envelope
func ParseImageHeader(e Envelope) (ImageHeader, error) {
	if r, _ := e.String(FieldResponse); r != ResponseJPEGImage {
		return ImageHeader{}, fmt.Errorf("%w: response is not %q", ErrMalformed, ResponseJPEGImage)
	}
	size, ok := e.Number(FieldSize)
	if !ok {
		return ImageHeader{}, fmt.Errorf("%w: %q must be a number", ErrMalformed, FieldSize)
	}
	if size < 0 || size != math.Trunc(size) || size > math.MaxInt64/2 {
		return ImageHeader{}, fmt.Errorf("%w: invalid image size %v", ErrMalformed, size)
	}
	return ImageHeader{Timestamp: e.Timestamp(), Size: int64(size)}, nil
}

// NewImageHeader builds the jpeg_image response envelope
func NewImageHeader(size int64, at time.Time) Envelope {
	return Envelope{
		FieldResponse:  ResponseJPEGImage,
		FieldTimestamp: at.Unix(),
		FieldSize:      size,
	}
}

// Command is a server→client request
type Command struct {
	Name      string
	Timestamp int64
	Direction string
	Duration  float64

	HasDirection bool
	HasDuration  bool
}

// ParseCommand reads a command envelope
func ParseCommand(e Envelope) (Command, error) {
	name, ok := e.String(FieldCommand)
	if !ok {
		return Command{}, fmt.Errorf("%w: %q must be a string", ErrMalformed, FieldCommand)
	}
	c := Command{Name: name, Timestamp: e.Timestamp()}
	if e.Has(FieldDirection) {
		if c.Direction, ok = e.String(FieldDirection); !ok {
			return Command{}, fmt.Errorf("%w: %q must be a string", ErrMalformed, FieldDirection)
		}
		c.HasDirection = true
	}
	if e.Has(FieldDuration) {
		if c.Duration, ok = e.Number(FieldDuration); !ok {
			return Command{}, fmt.Errorf("%w: %q must be a number", ErrMalformed, FieldDuration)
		}
		c.HasDuration = true
	}
	return c, nil
}

// NewCheckStatus builds a telemetry request
func NewCheckStatus(at time.Time) Envelope {
	return Envelope{FieldCommand: CommandCheckStatus, FieldTimestamp: at.Unix()}
}

// NewMove builds an actuation request
func NewMove(direction string, duration float64, at time.Time) Envelope {
	return Envelope{
		FieldCommand:   CommandMove,
		FieldDirection: direction,
		FieldDuration:  duration,
		FieldTimestamp: at.Unix(),
	}
}

// NewGetJPEG builds an image capture request
func NewGetJPEG(at time.Time) Envelope {
	return Envelope{FieldCommand: CommandGetJPEG, FieldTimestamp: at.Unix()}
}

// NewUploadURL assigns an egress stream target to a device
func NewUploadURL(url string, at time.Time) Envelope {
	return Envelope{FieldUploadURL: url, FieldTimestamp: at.Unix()}
}

// ParseUploadURL reads an upload_url assignment
func ParseUploadURL(e Envelope) (string, error) {
	u, ok := e.String(FieldUploadURL)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrMalformed, FieldUploadURL)
	}
	return u, nil
}

// NewCommand builds a command envelope by name. Only the fields the
// command uses are read from args.
func NewCommand(name string, args CommandArgs, at time.Time) (Envelope, error) {
	switch name {
	case CommandCheckStatus:
		return NewCheckStatus(at), nil
	case CommandGetJPEG:
		return NewGetJPEG(at), nil
	case CommandMove:
		if args.Direction == "" {
			return nil, fmt.Errorf("move requires a direction")
		}
		return NewMove(args.Direction, args.Duration, at), nil
	case FieldUploadURL:
		if args.UploadURL == "" {
			return nil, fmt.Errorf("upload_url requires a url")
		}
		return NewUploadURL(args.UploadURL, at), nil
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

// CommandArgs carries optional command parameters for NewCommand
type CommandArgs struct {
	Direction string
	Duration  float64
	UploadURL string
}
