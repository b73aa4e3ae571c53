package wire

import (
	"flag"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
)

const (
	CodecCBOR  = "cbor"
	CodecJSON  = "json"
	CodecProto = "protobuf"
	// CodecNone marks the descriptor of a task that never emitted a record.
	CodecNone = "none"
)

// Descriptor tells the collector how to decode the records of one task. A
// publisher negotiates it from the first value the task emits and reuses it
// for every later value.
type Descriptor struct {
	Codec       string `cbor:"codec"`
	Compression string `cbor:"compression,omitempty"`
	// Type is the Go type of the first value, informational only.
	Type string `cbor:"type,omitempty"`
}

// EmptyDescriptor is announced by tasks that close without emitting.
var EmptyDescriptor = Descriptor{Codec: CodecNone}

// IsEmpty reports whether the descriptor belongs to a task without records.
func (d Descriptor) IsEmpty() bool {
	return d.Codec == CodecNone
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s(%s)", d.Codec, d.compression(), d.Type)
}

func (d Descriptor) compression() string {
	if d.Compression == "" {
		return CompressionNone
	}
	return d.Compression
}

var (
	descEncMode cbor.EncMode
	descDecMode cbor.DecMode
)

func init() {
	var err error
	if descEncMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if descDecMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Marshal serializes the descriptor into the opaque bytes carried by Open.
func (d Descriptor) Marshal() ([]byte, error) {
	b, err := descEncMode.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "marshal descriptor")
	}
	return b, nil
}

// ParseDescriptor is the inverse of Descriptor.Marshal.
func ParseDescriptor(b []byte) (Descriptor, error) {
	var d Descriptor
	if len(b) == 0 {
		return d, errors.New("empty descriptor")
	}
	if err := descDecMode.Unmarshal(b, &d); err != nil {
		return d, errors.Wrap(err, "unmarshal descriptor")
	}
	if d.Codec == "" {
		return d, errors.New("descriptor without codec")
	}
	return d, nil
}

// Defaults selects the codec and compression for values that do not carry
// their own serialization.
type Defaults struct {
	Codec       string `yaml:"codec"`
	Compression string `yaml:"compression"`
}

func (cfg *Defaults) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Codec, prefix+"codec", CodecCBOR, "Codec used for records that are not protobuf messages: cbor or json.")
	f.StringVar(&cfg.Compression, prefix+"compression", CompressionNone, "Compression applied to encoded records: "+strings.Join(Compressions, ", ")+".")
}

func (cfg *Defaults) Validate() error {
	switch cfg.Codec {
	case CodecCBOR, CodecJSON:
	default:
		return fmt.Errorf("invalid codec %q, must be one of %s, %s", cfg.Codec, CodecCBOR, CodecJSON)
	}
	if _, err := compressorFor(cfg.Compression); err != nil {
		return fmt.Errorf("invalid compression %q, must be one of %s", cfg.Compression, strings.Join(Compressions, ", "))
	}
	return nil
}

// Negotiate derives the descriptor of a task from the first value it emits.
// Protobuf messages keep their own wire format, everything else uses the
// default codec.
func Negotiate(v any, defaults Defaults) Descriptor {
	d := Descriptor{
		Codec:       defaults.Codec,
		Compression: defaults.Compression,
		Type:        fmt.Sprintf("%T", v),
	}
	if _, ok := v.(proto.Message); ok {
		d.Codec = CodecProto
	}
	if d.Codec == "" {
		d.Codec = CodecCBOR
	}
	if d.Compression == "" {
		d.Compression = CompressionNone
	}
	return d
}
