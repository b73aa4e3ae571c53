package wire

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gogo/protobuf/proto"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// ValueCodec marshals record values.
type ValueCodec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps codec names to codecs.
type Registry struct {
	mtx    sync.RWMutex
	byName map[string]ValueCodec
}

// NewRegistry returns a registry holding the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{byName: map[string]ValueCodec{}}
	r.Register(newCBORCodec())
	r.Register(jsonCodec{})
	r.Register(protoCodec{})
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c ValueCodec) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.byName[c.Name()] = c
}

// Get returns the codec registered under name, or nil.
func (r *Registry) Get(name string) ValueCodec {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.byName[name]
}

// DefaultRegistry is used by EncodeValue and DecodeValue.
var DefaultRegistry = NewRegistry()

// EncodeValue encodes v as described by d.
func EncodeValue(v any, d Descriptor) ([]byte, error) {
	codec, comp, err := codecFor(d)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Descriptor: d, Err: err}
	}
	b, err := codec.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Descriptor: d, Err: err}
	}
	if b, err = comp.compress(b); err != nil {
		return nil, &SerializationError{Op: "encode", Descriptor: d, Err: err}
	}
	return b, nil
}

// DecodeValue is the inverse of EncodeValue. The decompressed value may not
// exceed DefaultMaxFrameSize.
func DecodeValue[T any](b []byte, d Descriptor) (T, error) {
	return DecodeValueWithLimit[T](b, d, DefaultMaxFrameSize)
}

// DecodeValueWithLimit is DecodeValue with an explicit bound on the
// decompressed size. Exceeding it fails with ErrValueTooLarge.
func DecodeValueWithLimit[T any](b []byte, d Descriptor, limit int) (T, error) {
	var out T
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	codec, comp, err := codecFor(d)
	if err != nil {
		return out, &SerializationError{Op: "decode", Descriptor: d, Err: err}
	}
	if b, err = comp.decompress(b, limit); err != nil {
		return out, &SerializationError{Op: "decode", Descriptor: d, Err: err}
	}
	if err := codec.Unmarshal(b, &out); err != nil {
		var zero T
		return zero, &SerializationError{Op: "decode", Descriptor: d, Err: err}
	}
	return out, nil
}

func codecFor(d Descriptor) (ValueCodec, compressor, error) {
	comp, err := compressorFor(d.Compression)
	if err != nil {
		return nil, nil, err
	}
	if d.IsEmpty() {
		return nil, nil, errors.New("task announced no records")
	}
	codec := DefaultRegistry.Get(d.Codec)
	if codec == nil {
		return nil, nil, fmt.Errorf("unknown codec %q", d.Codec)
	}
	return codec, comp, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: em, dec: dm}
}

func (c cborCodec) Name() string                       { return CodecCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type jsonCodec struct{}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (jsonCodec) Name() string                       { return CodecJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type protoCodec struct{}

func (protoCodec) Name() string { return CodecProto }

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T is not a protobuf message", v)
	}
	return proto.Marshal(m)
}

// Unmarshal accepts a pointer to a message, or a pointer to a pointer to a
// message which is allocated when nil.
func (protoCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Ptr {
		return fmt.Errorf("%T is not a protobuf message", v)
	}
	msg := reflect.New(rv.Elem().Type().Elem())
	m, ok := msg.Interface().(proto.Message)
	if !ok {
		return fmt.Errorf("%s is not a protobuf message", rv.Elem().Type())
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return err
	}
	rv.Elem().Set(msg)
	return nil
}
