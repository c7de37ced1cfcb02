// Package keyagent implements the driver side of the secret-delivery
// subprotocol: encoding the length-framed protobuf manifest understood by
// the privileged key-agent helper, reading each key's payload bytes from
// its configured source, and streaming the whole thing over a running PTY
// session's stdin.
package keyagent

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the wire-compatible Keys/Key messages, matching the
// key-agent helper's own (separately compiled) protobuf schema.
const (
	fieldKeysKeys = protowire.Number(1)

	fieldKeyDestination = protowire.Number(1)
	fieldKeyPermissions = protowire.Number(2)
	fieldKeyUser        = protowire.Number(3)
	fieldKeyGroup       = protowire.Number(4)
	fieldKeyLength      = protowire.Number(5)
)

// Key is one manifest entry: where the payload that follows it in the
// stream should be written, and with what ownership/mode.
type Key struct {
	Destination string
	Permissions uint32
	User        string
	Group       string
	Length      uint32
}

// Keys is the manifest sent as the first length-framed message of a
// key-agent run.
type Keys struct {
	Keys []Key
}

func encodeKey(k Key) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKeyDestination, protowire.BytesType)
	b = protowire.AppendString(b, k.Destination)
	b = protowire.AppendTag(b, fieldKeyPermissions, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.Permissions))
	b = protowire.AppendTag(b, fieldKeyUser, protowire.BytesType)
	b = protowire.AppendString(b, k.User)
	b = protowire.AppendTag(b, fieldKeyGroup, protowire.BytesType)
	b = protowire.AppendString(b, k.Group)
	b = protowire.AppendTag(b, fieldKeyLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.Length))
	return b
}

// Encode serializes the manifest to its wire form.
func (m Keys) Encode() []byte {
	var b []byte
	for _, k := range m.Keys {
		b = protowire.AppendTag(b, fieldKeysKeys, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeKey(k))
	}
	return b
}

// Decode parses a wire-form manifest produced by Encode. Unknown fields are
// skipped rather than rejected, matching protobuf's evolvability contract.
func Decode(b []byte) (Keys, error) {
	var out Keys
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Keys{}, fmt.Errorf("keyagent: malformed tag (wire code %d)", n)
		}
		b = b[n:]

		if num == fieldKeysKeys && typ == protowire.BytesType {
			field, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Keys{}, fmt.Errorf("keyagent: malformed keys entry (wire code %d)", n)
			}
			b = b[n:]

			k, err := decodeKey(field)
			if err != nil {
				return Keys{}, err
			}
			out.Keys = append(out.Keys, k)
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return Keys{}, fmt.Errorf("keyagent: malformed field %d (wire code %d)", num, n)
		}
		b = b[n:]
	}
	return out, nil
}

func decodeKey(b []byte) (Key, error) {
	var k Key
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Key{}, fmt.Errorf("keyagent: malformed key tag (wire code %d)", n)
		}
		b = b[n:]

		switch {
		case num == fieldKeyDestination && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Key{}, fmt.Errorf("keyagent: malformed destination (wire code %d)", n)
			}
			k.Destination = s
			b = b[n:]
		case num == fieldKeyUser && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Key{}, fmt.Errorf("keyagent: malformed user (wire code %d)", n)
			}
			k.User = s
			b = b[n:]
		case num == fieldKeyGroup && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Key{}, fmt.Errorf("keyagent: malformed group (wire code %d)", n)
			}
			k.Group = s
			b = b[n:]
		case num == fieldKeyPermissions && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Key{}, fmt.Errorf("keyagent: malformed permissions (wire code %d)", n)
			}
			k.Permissions = uint32(v)
			b = b[n:]
		case num == fieldKeyLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Key{}, fmt.Errorf("keyagent: malformed length (wire code %d)", n)
			}
			k.Length = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Key{}, fmt.Errorf("keyagent: malformed key field %d (wire code %d)", num, n)
			}
			b = b[n:]
		}
	}
	return k, nil
}
