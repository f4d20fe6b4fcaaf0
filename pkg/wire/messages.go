// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package wire defines the binary RPC contract between the gateway and
// the tenant backends: protobuf wire format (tagged fields, varints,
// length-prefixed strings) with a fixed tag schema per message, carried
// over gRPC.
package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cs3org/arbor/pkg/errtypes"
)

// CommandRequest is the envelope of one command submission.
// DeadlineMillis carries the time left until the caller's deadline,
// not an absolute instant; zero means no deadline.
type CommandRequest struct {
	CommandType    string // 1
	CommandData    []byte // 2
	CorrelationID  string // 3
	DeadlineMillis uint32 // 4
}

// CommandResponse is the envelope of one command outcome.
type CommandResponse struct {
	Success       bool   // 1
	ResultData    []byte // 2
	ErrorKind     string // 3
	ErrorMessage  string // 4
	CorrelationID string // 5
}

// HealthRequest probes backend liveness.
type HealthRequest struct{}

// HealthResponse reports backend liveness and counters.
type HealthResponse struct {
	Healthy             bool   // 1
	UptimeSeconds       uint64 // 2
	CommandsProcessed   uint64 // 3
	PersistenceDegraded bool   // 4
}

var errTruncated = errtypes.InvalidArgument("wire: truncated or malformed message")

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// fieldScanner walks the fields of one message.
type fieldScanner struct {
	b   []byte
	err error
}

// next returns the number and payload position of the next field. The
// callback style keeps the per-message decoders flat.
func (s *fieldScanner) scan(field func(num protowire.Number, typ protowire.Type) bool) error {
	for len(s.b) > 0 {
		num, typ, n := protowire.ConsumeTag(s.b)
		if n < 0 {
			return errTruncated
		}
		s.b = s.b[n:]
		if field(num, typ) {
			if s.err != nil {
				return s.err
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, s.b)
		if n < 0 {
			return errTruncated
		}
		s.b = s.b[n:]
	}
	return s.err
}

func (s *fieldScanner) varint() uint64 {
	v, n := protowire.ConsumeVarint(s.b)
	if n < 0 {
		s.err = errTruncated
		return 0
	}
	s.b = s.b[n:]
	return v
}

func (s *fieldScanner) int64() int64 { return int64(s.varint()) }

func (s *fieldScanner) bool() bool { return s.varint() != 0 }

func (s *fieldScanner) bytes() []byte {
	v, n := protowire.ConsumeBytes(s.b)
	if n < 0 {
		s.err = errTruncated
		return nil
	}
	s.b = s.b[n:]
	return v
}

func (s *fieldScanner) string() string { return string(s.bytes()) }

// Marshal encodes the request.
func (m *CommandRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.CommandType)
	b = appendBytes(b, 2, m.CommandData)
	b = appendString(b, 3, m.CorrelationID)
	b = appendVarint(b, 4, uint64(m.DeadlineMillis))
	return b, nil
}

// Unmarshal decodes the request.
func (m *CommandRequest) Unmarshal(b []byte) error {
	s := &fieldScanner{b: b}
	return s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			m.CommandType = s.string()
		case 2:
			m.CommandData = append([]byte(nil), s.bytes()...)
		case 3:
			m.CorrelationID = s.string()
		case 4:
			m.DeadlineMillis = uint32(s.varint())
		default:
			return false
		}
		return true
	})
}

// Marshal encodes the response.
func (m *CommandResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendBool(b, 1, m.Success)
	b = appendBytes(b, 2, m.ResultData)
	b = appendString(b, 3, m.ErrorKind)
	b = appendString(b, 4, m.ErrorMessage)
	b = appendString(b, 5, m.CorrelationID)
	return b, nil
}

// Unmarshal decodes the response.
func (m *CommandResponse) Unmarshal(b []byte) error {
	s := &fieldScanner{b: b}
	return s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			m.Success = s.bool()
		case 2:
			m.ResultData = append([]byte(nil), s.bytes()...)
		case 3:
			m.ErrorKind = s.string()
		case 4:
			m.ErrorMessage = s.string()
		case 5:
			m.CorrelationID = s.string()
		default:
			return false
		}
		return true
	})
}

// Marshal encodes the health request.
func (m *HealthRequest) Marshal() ([]byte, error) { return nil, nil }

// Unmarshal decodes the health request.
func (m *HealthRequest) Unmarshal([]byte) error { return nil }

// Marshal encodes the health response.
func (m *HealthResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendBool(b, 1, m.Healthy)
	b = appendVarint(b, 2, m.UptimeSeconds)
	b = appendVarint(b, 3, m.CommandsProcessed)
	b = appendBool(b, 4, m.PersistenceDegraded)
	return b, nil
}

// Unmarshal decodes the health response.
func (m *HealthResponse) Unmarshal(b []byte) error {
	s := &fieldScanner{b: b}
	return s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			m.Healthy = s.bool()
		case 2:
			m.UptimeSeconds = s.varint()
		case 3:
			m.CommandsProcessed = s.varint()
		case 4:
			m.PersistenceDegraded = s.bool()
		default:
			return false
		}
		return true
	})
}
