package model

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Optional holds a value that may be absent. Absent values are encoded as msgpack nil.
type Optional[T any] struct {
	value   T
	present bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, present: true}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

func (o Optional[T]) Get() (T, bool) {
	return o.value, o.present
}

func (o Optional[T]) Present() bool {
	return o.present
}

// OrElse returns the held value, or def if the value is absent.
func (o Optional[T]) OrElse(def T) T {
	if o.present {
		return o.value
	}
	return def
}

func (o Optional[T]) EncodeMsgpack(enc *msgpack.Encoder) error {
	if !o.present {
		return enc.EncodeNil()
	}
	return enc.Encode(o.value)
}

func (o *Optional[T]) DecodeMsgpack(dec *msgpack.Decoder) error {
	code, err := dec.PeekCode()
	if err != nil {
		return errors.WithStack(err)
	}
	if code == msgpcode.Nil {
		*o = Optional[T]{}
		return dec.DecodeNil()
	}
	var v T
	if err := dec.Decode(&v); err != nil {
		return errors.WithStack(err)
	}
	*o = Some(v)
	return nil
}
