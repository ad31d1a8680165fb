// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
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

// Package api defines the M4U diagnostic records exported to host tooling.
package api

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FaultRecord represents a decoded M4U translation fault.
type FaultRecord struct {
	// Instance is the name of the faulting hardware instance.
	Instance string
	// Bank is the bank index which raised the interrupt.
	Bank int
	// Secure is set when the fault was read through the secure monitor.
	Secure bool
	// Status is the raw fault status register value.
	Status uint32

	IOVA uint64
	PA   uint64

	// ID is the raw master identifier.
	ID uint32
	// Larb, SubComm and Port identify the originating master, they are
	// only decoded on multimedia instances and are -1 otherwise.
	Larb    int
	SubComm int
	Port    int

	Write bool
	// Layer is the page table level the walk faulted at.
	Layer int
}

// field numbers
const (
	fInstance protowire.Number = iota + 1
	fBank
	fSecure
	fStatus
	fIOVA
	fPA
	fID
	fLarb
	fSubComm
	fPort
	fWrite
	fLayer
)

func zigzag(v int) uint64 {
	return protowire.EncodeZigZag(int64(v))
}

func unzigzag(v uint64) int {
	return int(protowire.DecodeZigZag(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Bytes serializes a fault record in protocol buffer wire format.
func (r *FaultRecord) Bytes() (b []byte) {
	b = protowire.AppendTag(b, fInstance, protowire.BytesType)
	b = protowire.AppendString(b, r.Instance)
	b = appendVarint(b, fBank, zigzag(r.Bank))
	b = appendVarint(b, fSecure, protowire.EncodeBool(r.Secure))
	b = appendVarint(b, fStatus, uint64(r.Status))
	b = appendVarint(b, fIOVA, r.IOVA)
	b = appendVarint(b, fPA, r.PA)
	b = appendVarint(b, fID, uint64(r.ID))
	b = appendVarint(b, fLarb, zigzag(r.Larb))
	b = appendVarint(b, fSubComm, zigzag(r.SubComm))
	b = appendVarint(b, fPort, zigzag(r.Port))
	b = appendVarint(b, fWrite, protowire.EncodeBool(r.Write))
	b = appendVarint(b, fLayer, zigzag(r.Layer))

	return
}

// Unmarshal parses a fault record serialized with Bytes, unknown fields are
// skipped.
func (r *FaultRecord) Unmarshal(b []byte) error {
	*r = FaultRecord{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)

		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]

		if num == fInstance && typ == protowire.BytesType {
			s, n := protowire.ConsumeString(b)

			if n < 0 {
				return protowire.ParseError(n)
			}

			r.Instance = s
			b = b[n:]

			continue
		}

		if typ != protowire.VarintType || num < fBank || num > fLayer {
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return protowire.ParseError(n)
			}

			b = b[n:]

			continue
		}

		v, n := protowire.ConsumeVarint(b)

		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]

		switch num {
		case fBank:
			r.Bank = unzigzag(v)
		case fSecure:
			r.Secure = protowire.DecodeBool(v)
		case fStatus:
			r.Status = uint32(v)
		case fIOVA:
			r.IOVA = v
		case fPA:
			r.PA = v
		case fID:
			r.ID = uint32(v)
		case fLarb:
			r.Larb = unzigzag(v)
		case fSubComm:
			r.SubComm = unzigzag(v)
		case fPort:
			r.Port = unzigzag(v)
		case fWrite:
			r.Write = protowire.DecodeBool(v)
		case fLayer:
			r.Layer = unzigzag(v)
		}
	}

	return nil
}

// Direction returns the access direction of the faulting transaction.
func (r *FaultRecord) Direction() string {
	if r.Write {
		return "write"
	}

	return "read"
}

// Print returns the fault record in a single line diagnostic format.
func (r *FaultRecord) Print() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s bank:%d", r.Instance, r.Bank)

	if r.Secure {
		buf.WriteString(" (secure)")
	}

	fmt.Fprintf(&buf, " fault type:%#x iova:%#x pa:%#x master:%#x", r.Status, r.IOVA, r.PA, r.ID)

	if r.Larb >= 0 {
		fmt.Fprintf(&buf, "(larb:%d port:%d)", r.Larb, r.Port)
	}

	fmt.Fprintf(&buf, " layer:%d %s", r.Layer, r.Direction())

	return buf.String()
}
