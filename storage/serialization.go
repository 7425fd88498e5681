// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/poiesic/modeldepot/core"
)

// Every stored record starts with a one-byte format tag so the codec can
// evolve without breaking old stores. Readers fail with ErrSchemaVersion
// on tags they do not know.
const (
	formatV1 byte = 1
)

// Value type tags inside the msgpack body. Each value node encodes as a
// two-element array [tag, payload] (lists and maps inline their
// elements after the tag).
const (
	tagInt int64 = iota + 1
	tagFloat
	tagBool
	tagString
	tagTime
	tagList
	tagMap
	tagRef
)

// EncodeObject serializes an object. References encode as IDs, never as
// embedded copies, so shared structure and cycles across objects
// round-trip under reference identity.
func EncodeObject(o *core.Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(formatV1)
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(o.Kind); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(o.Indexed)); err != nil {
		return nil, err
	}
	for _, name := range o.Indexed {
		if err := enc.EncodeString(name); err != nil {
			return nil, err
		}
	}
	if err := encodeValue(enc, o.Fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeObject deserializes an object produced by EncodeObject.
func DecodeObject(data []byte) (*core.Object, error) {
	body, err := checkFormat(data)
	if err != nil {
		return nil, err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	o, err := decodeObjectBody(dec)
	if err != nil {
		return nil, corrupt(err)
	}
	return o, nil
}

func decodeObjectBody(dec *msgpack.Decoder) (*core.Object, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != 3 {
		return nil, fmt.Errorf("object envelope has %d elements", n)
	}
	o := &core.Object{}
	if o.Kind, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	idxLen, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	for i := 0; i < idxLen; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		o.Indexed = append(o.Indexed, name)
	}
	fields, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	m, ok := fields.(core.Map)
	if !ok {
		return nil, fmt.Errorf("object fields are %T, want map", fields)
	}
	o.Fields = m
	return o, nil
}

func encodeValue(enc *msgpack.Encoder, v core.Value) error {
	switch v := v.(type) {
	case core.Int:
		if err := encodeTag(enc, tagInt); err != nil {
			return err
		}
		return enc.EncodeInt(int64(v))
	case core.Float:
		if err := encodeTag(enc, tagFloat); err != nil {
			return err
		}
		return enc.EncodeFloat64(float64(v))
	case core.Bool:
		if err := encodeTag(enc, tagBool); err != nil {
			return err
		}
		return enc.EncodeBool(bool(v))
	case core.String:
		if err := encodeTag(enc, tagString); err != nil {
			return err
		}
		return enc.EncodeString(string(v))
	case core.Time:
		if err := encodeTag(enc, tagTime); err != nil {
			return err
		}
		// Unix micro, not EncodeTime: keeps the precision contract
		// explicit and the payload a plain integer.
		return enc.EncodeInt(time.Time(v).UnixMicro())
	case core.Ref:
		if err := encodeTag(enc, tagRef); err != nil {
			return err
		}
		return enc.EncodeUint(uint64(v))
	case core.List:
		if err := encodeTag(enc, tagList); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(len(v)); err != nil {
			return err
		}
		for _, e := range v {
			if err := encodeValue(enc, e); err != nil {
				return err
			}
		}
		return nil
	case core.Map:
		if err := encodeTag(enc, tagMap); err != nil {
			return err
		}
		if err := enc.EncodeMapLen(len(v)); err != nil {
			return err
		}
		// Sorted keys keep encoding deterministic.
		for _, k := range v.SortedKeys() {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := encodeValue(enc, v[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

func encodeTag(enc *msgpack.Encoder, tag int64) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	return enc.EncodeInt(tag)
}

func decodeValue(dec *msgpack.Decoder) (core.Value, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != 2 {
		return nil, fmt.Errorf("value node has %d elements", n)
	}
	tag, err := dec.DecodeInt64()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagInt:
		v, err := dec.DecodeInt64()
		return core.Int(v), err
	case tagFloat:
		v, err := dec.DecodeFloat64()
		return core.Float(v), err
	case tagBool:
		v, err := dec.DecodeBool()
		return core.Bool(v), err
	case tagString:
		v, err := dec.DecodeString()
		return core.String(v), err
	case tagTime:
		v, err := dec.DecodeInt64()
		return core.Time(time.UnixMicro(v).UTC()), err
	case tagRef:
		v, err := dec.DecodeUint64()
		return core.Ref(v), err
	case tagList:
		l, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		out := make(core.List, l)
		for i := 0; i < l; i++ {
			if out[i], err = decodeValue(dec); err != nil {
				return nil, err
			}
		}
		return out, nil
	case tagMap:
		l, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		out := make(core.Map, l)
		for i := 0; i < l; i++ {
			k, err := dec.DecodeString()
			if err != nil {
				return nil, err
			}
			if out[k], err = decodeValue(dec); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown value tag %d", tag)
	}
}

// EncodeCommitRecord serializes a commit record for durable storage.
func EncodeCommitRecord(rec *CommitRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(formatV1)
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(5); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(rec.Seq); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(rec.Prev); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(rec.TxTag); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(uint64(rec.MaxID)); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(rec.Writes)); err != nil {
		return nil, err
	}
	for _, w := range rec.Writes {
		if err := enc.EncodeArrayLen(4); err != nil {
			return nil, err
		}
		if err := enc.EncodeUint(uint64(w.ID)); err != nil {
			return nil, err
		}
		if err := enc.EncodeBool(w.Tombstone); err != nil {
			return nil, err
		}
		if err := enc.EncodeBytes(w.Data); err != nil {
			return nil, err
		}
		if err := enc.EncodeArrayLen(len(w.Meta)); err != nil {
			return nil, err
		}
		for _, m := range w.Meta {
			if err := enc.EncodeArrayLen(2); err != nil {
				return nil, err
			}
			if err := enc.EncodeString(m.Key); err != nil {
				return nil, err
			}
			if err := encodeValue(enc, m.Value); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// DecodeCommitRecord deserializes a commit record.
func DecodeCommitRecord(data []byte) (*CommitRecord, error) {
	body, err := checkFormat(data)
	if err != nil {
		return nil, err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	rec, err := decodeCommitBody(dec)
	if err != nil {
		return nil, corrupt(err)
	}
	return rec, nil
}

func decodeCommitBody(dec *msgpack.Decoder) (*CommitRecord, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != 5 {
		return nil, fmt.Errorf("commit envelope has %d elements", n)
	}
	rec := &CommitRecord{}
	if rec.Seq, err = dec.DecodeUint64(); err != nil {
		return nil, err
	}
	if rec.Prev, err = dec.DecodeUint64(); err != nil {
		return nil, err
	}
	if rec.TxTag, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	maxID, err := dec.DecodeUint64()
	if err != nil {
		return nil, err
	}
	rec.MaxID = core.ID(maxID)
	rows, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	rec.Writes = make([]WriteRow, rows)
	for i := 0; i < rows; i++ {
		rn, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if rn != 4 {
			return nil, fmt.Errorf("write row has %d elements", rn)
		}
		id, err := dec.DecodeUint64()
		if err != nil {
			return nil, err
		}
		rec.Writes[i].ID = core.ID(id)
		if rec.Writes[i].Tombstone, err = dec.DecodeBool(); err != nil {
			return nil, err
		}
		if rec.Writes[i].Data, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		metas, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		for j := 0; j < metas; j++ {
			mn, err := dec.DecodeArrayLen()
			if err != nil {
				return nil, err
			}
			if mn != 2 {
				return nil, fmt.Errorf("meta row has %d elements", mn)
			}
			var m MetaRow
			if m.Key, err = dec.DecodeString(); err != nil {
				return nil, err
			}
			if m.Value, err = decodeValue(dec); err != nil {
				return nil, err
			}
			rec.Writes[i].Meta = append(rec.Writes[i].Meta, m)
		}
	}
	return rec, nil
}

func checkFormat(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, corrupt(fmt.Errorf("empty record"))
	}
	if data[0] != formatV1 {
		return nil, fmt.Errorf("%w: tag %d", ErrSchemaVersion, data[0])
	}
	return data[1:], nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
}
