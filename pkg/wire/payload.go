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

package wire

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cs3org/arbor/pkg/command"
)

// Command payload tags. The command type itself travels in the request
// envelope, not in the payload.
const (
	cmdEntityID      = 1
	cmdTargetID      = 2
	cmdName          = 3
	cmdKind          = 4
	cmdPermissionID  = 5
	cmdURI           = 6
	cmdVerb          = 7
	cmdScheme        = 8
	cmdExpiryMillis  = 9
	cmdPage          = 10
	cmdPageSize      = 11
	cmdOps           = 12
	cmdTransactional = 13
	cmdStopOnError   = 14
)

func marshalBulkOp(op *command.BulkOp) []byte {
	var b []byte
	b = appendString(b, 1, string(op.Action))
	b = appendInt64(b, 2, op.EntityID)
	b = appendInt64(b, 3, op.PermissionID)
	b = appendString(b, 4, op.URI)
	b = appendString(b, 5, op.Verb)
	b = appendString(b, 6, op.Scheme)
	b = appendInt64(b, 7, op.ExpiryMillis)
	return b
}

func unmarshalBulkOp(b []byte) (command.BulkOp, error) {
	var op command.BulkOp
	s := &fieldScanner{b: b}
	err := s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			op.Action = command.BulkAction(s.string())
		case 2:
			op.EntityID = s.int64()
		case 3:
			op.PermissionID = s.int64()
		case 4:
			op.URI = s.string()
		case 5:
			op.Verb = s.string()
		case 6:
			op.Scheme = s.string()
		case 7:
			op.ExpiryMillis = s.int64()
		default:
			return false
		}
		return true
	})
	return op, err
}

// MarshalCommand encodes a command payload. The returned bytes are also
// what the audit log stores, so the encoding must stay stable.
func MarshalCommand(c *command.Command) ([]byte, error) {
	var b []byte
	b = appendInt64(b, cmdEntityID, c.EntityID)
	b = appendInt64(b, cmdTargetID, c.TargetID)
	b = appendString(b, cmdName, c.Name)
	b = appendString(b, cmdKind, c.Kind)
	b = appendInt64(b, cmdPermissionID, c.PermissionID)
	b = appendString(b, cmdURI, c.URI)
	b = appendString(b, cmdVerb, c.Verb)
	b = appendString(b, cmdScheme, c.Scheme)
	b = appendInt64(b, cmdExpiryMillis, c.ExpiryMillis)
	b = appendInt64(b, cmdPage, int64(c.Page))
	b = appendInt64(b, cmdPageSize, int64(c.PageSize))
	for i := range c.Ops {
		b = appendMessage(b, cmdOps, marshalBulkOp(&c.Ops[i]))
	}
	b = appendBool(b, cmdTransactional, c.Transactional)
	b = appendBool(b, cmdStopOnError, c.StopOnFirstError)
	return b, nil
}

// UnmarshalCommand decodes a command payload. Type must be set by the
// caller from the request envelope.
func UnmarshalCommand(b []byte) (*command.Command, error) {
	c := &command.Command{}
	s := &fieldScanner{b: b}
	err := s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case cmdEntityID:
			c.EntityID = s.int64()
		case cmdTargetID:
			c.TargetID = s.int64()
		case cmdName:
			c.Name = s.string()
		case cmdKind:
			c.Kind = s.string()
		case cmdPermissionID:
			c.PermissionID = s.int64()
		case cmdURI:
			c.URI = s.string()
		case cmdVerb:
			c.Verb = s.string()
		case cmdScheme:
			c.Scheme = s.string()
		case cmdExpiryMillis:
			c.ExpiryMillis = s.int64()
		case cmdPage:
			c.Page = int32(s.int64())
		case cmdPageSize:
			c.PageSize = int32(s.int64())
		case cmdOps:
			op, err := unmarshalBulkOp(s.bytes())
			if err != nil {
				s.err = err
				return true
			}
			c.Ops = append(c.Ops, op)
		case cmdTransactional:
			c.Transactional = s.bool()
		case cmdStopOnError:
			c.StopOnFirstError = s.bool()
		default:
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func marshalEntityInfo(e *command.EntityInfo) []byte {
	var b []byte
	b = appendInt64(b, 1, e.ID)
	b = appendString(b, 2, e.Kind)
	b = appendString(b, 3, e.Name)
	for _, p := range e.Parents {
		b = appendMessage(b, 4, protowire.AppendVarint(nil, uint64(p)))
	}
	for _, c := range e.Children {
		b = appendMessage(b, 5, protowire.AppendVarint(nil, uint64(c)))
	}
	return b
}

func unmarshalEntityInfo(b []byte) (command.EntityInfo, error) {
	var e command.EntityInfo
	s := &fieldScanner{b: b}
	err := s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			e.ID = s.int64()
		case 2:
			e.Kind = s.string()
		case 3:
			e.Name = s.string()
		case 4:
			v, n := protowire.ConsumeVarint(s.bytes())
			if n < 0 {
				s.err = errTruncated
				return true
			}
			e.Parents = append(e.Parents, int64(v))
		case 5:
			v, n := protowire.ConsumeVarint(s.bytes())
			if n < 0 {
				s.err = errTruncated
				return true
			}
			e.Children = append(e.Children, int64(v))
		default:
			return false
		}
		return true
	})
	return e, err
}

func marshalPermissionInfo(p *command.PermissionInfo) []byte {
	var b []byte
	b = appendInt64(b, 1, p.ID)
	b = appendInt64(b, 2, p.EntityID)
	b = appendString(b, 3, p.URI)
	b = appendString(b, 4, p.Verb)
	b = appendBool(b, 5, p.Deny)
	b = appendString(b, 6, p.Scheme)
	b = appendInt64(b, 7, p.ExpiryMillis)
	return b
}

func unmarshalPermissionInfo(b []byte) (command.PermissionInfo, error) {
	var p command.PermissionInfo
	s := &fieldScanner{b: b}
	err := s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			p.ID = s.int64()
		case 2:
			p.EntityID = s.int64()
		case 3:
			p.URI = s.string()
		case 4:
			p.Verb = s.string()
		case 5:
			p.Deny = s.bool()
		case 6:
			p.Scheme = s.string()
		case 7:
			p.ExpiryMillis = s.int64()
		default:
			return false
		}
		return true
	})
	return p, err
}

func marshalTraceInfo(t *command.TraceInfo) []byte {
	var b []byte
	b = appendInt64(b, 1, t.EntityID)
	b = appendInt64(b, 2, t.PermissionID)
	b = appendString(b, 3, t.URI)
	b = appendString(b, 4, t.Verb)
	b = appendBool(b, 5, t.Deny)
	b = appendInt64(b, 6, t.Specificity)
	b = appendInt64(b, 7, int64(t.Distance))
	b = appendBool(b, 8, t.Selected)
	return b
}

func unmarshalTraceInfo(b []byte) (command.TraceInfo, error) {
	var t command.TraceInfo
	s := &fieldScanner{b: b}
	err := s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			t.EntityID = s.int64()
		case 2:
			t.PermissionID = s.int64()
		case 3:
			t.URI = s.string()
		case 4:
			t.Verb = s.string()
		case 5:
			t.Deny = s.bool()
		case 6:
			t.Specificity = s.int64()
		case 7:
			t.Distance = int32(s.int64())
		case 8:
			t.Selected = s.bool()
		default:
			return false
		}
		return true
	})
	return t, err
}

func marshalDecisionInfo(d *command.DecisionInfo) []byte {
	var b []byte
	b = appendBool(b, 1, d.Allowed)
	b = appendString(b, 2, d.Reason)
	for i := range d.Trace {
		b = appendMessage(b, 3, marshalTraceInfo(&d.Trace[i]))
	}
	keys := make([]string, 0, len(d.Bindings))
	for k := range d.Bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var kv []byte
		kv = appendString(kv, 1, k)
		kv = appendString(kv, 2, d.Bindings[k])
		b = appendMessage(b, 4, kv)
	}
	return b
}

func unmarshalDecisionInfo(b []byte) (*command.DecisionInfo, error) {
	d := &command.DecisionInfo{}
	s := &fieldScanner{b: b}
	err := s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			d.Allowed = s.bool()
		case 2:
			d.Reason = s.string()
		case 3:
			t, err := unmarshalTraceInfo(s.bytes())
			if err != nil {
				s.err = err
				return true
			}
			d.Trace = append(d.Trace, t)
		case 4:
			kv := s.bytes()
			var key, val string
			ks := &fieldScanner{b: kv}
			s.err = ks.scan(func(num protowire.Number, typ protowire.Type) bool {
				switch num {
				case 1:
					key = ks.string()
				case 2:
					val = ks.string()
				default:
					return false
				}
				return true
			})
			if s.err != nil {
				return true
			}
			if d.Bindings == nil {
				d.Bindings = map[string]string{}
			}
			d.Bindings[key] = val
		default:
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func marshalBulkResult(r *command.BulkResult) []byte {
	var b []byte
	b = appendInt64(b, 1, int64(r.Index))
	b = appendBool(b, 2, r.OK)
	b = appendInt64(b, 3, r.PermissionID)
	b = appendString(b, 4, r.ErrorKind)
	b = appendString(b, 5, r.ErrorMessage)
	return b
}

func unmarshalBulkResult(b []byte) (command.BulkResult, error) {
	var r command.BulkResult
	s := &fieldScanner{b: b}
	err := s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			r.Index = int32(s.int64())
		case 2:
			r.OK = s.bool()
		case 3:
			r.PermissionID = s.int64()
		case 4:
			r.ErrorKind = s.string()
		case 5:
			r.ErrorMessage = s.string()
		default:
			return false
		}
		return true
	})
	return r, err
}

func marshalHealthInfo(h *command.HealthInfo) []byte {
	var b []byte
	b = appendBool(b, 1, h.Healthy)
	b = appendVarint(b, 2, h.UptimeSeconds)
	b = appendVarint(b, 3, h.CommandsProcessed)
	b = appendBool(b, 4, h.PersistenceDegraded)
	return b
}

func unmarshalHealthInfo(b []byte) (*command.HealthInfo, error) {
	h := &command.HealthInfo{}
	s := &fieldScanner{b: b}
	err := s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			h.Healthy = s.bool()
		case 2:
			h.UptimeSeconds = s.varint()
		case 3:
			h.CommandsProcessed = s.varint()
		case 4:
			h.PersistenceDegraded = s.bool()
		default:
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// MarshalResult encodes a command result payload.
func MarshalResult(r *command.Result) ([]byte, error) {
	var b []byte
	if r.Entity != nil {
		b = appendMessage(b, 1, marshalEntityInfo(r.Entity))
	}
	for i := range r.Entities {
		b = appendMessage(b, 2, marshalEntityInfo(&r.Entities[i]))
	}
	b = appendInt64(b, 3, int64(r.Total))
	for i := range r.Permissions {
		b = appendMessage(b, 4, marshalPermissionInfo(&r.Permissions[i]))
	}
	if r.Decision != nil {
		b = appendMessage(b, 5, marshalDecisionInfo(r.Decision))
	}
	for i := range r.Bulk {
		b = appendMessage(b, 6, marshalBulkResult(&r.Bulk[i]))
	}
	if r.Health != nil {
		b = appendMessage(b, 7, marshalHealthInfo(r.Health))
	}
	b = appendInt64(b, 8, r.PermissionID)
	b = appendInt64(b, 9, r.EntityID)
	return b, nil
}

// UnmarshalResult decodes a command result payload.
func UnmarshalResult(b []byte) (*command.Result, error) {
	r := &command.Result{}
	s := &fieldScanner{b: b}
	err := s.scan(func(num protowire.Number, typ protowire.Type) bool {
		switch num {
		case 1:
			e, err := unmarshalEntityInfo(s.bytes())
			if err != nil {
				s.err = err
				return true
			}
			r.Entity = &e
		case 2:
			e, err := unmarshalEntityInfo(s.bytes())
			if err != nil {
				s.err = err
				return true
			}
			r.Entities = append(r.Entities, e)
		case 3:
			r.Total = int32(s.int64())
		case 4:
			p, err := unmarshalPermissionInfo(s.bytes())
			if err != nil {
				s.err = err
				return true
			}
			r.Permissions = append(r.Permissions, p)
		case 5:
			d, err := unmarshalDecisionInfo(s.bytes())
			if err != nil {
				s.err = err
				return true
			}
			r.Decision = d
		case 6:
			br, err := unmarshalBulkResult(s.bytes())
			if err != nil {
				s.err = err
				return true
			}
			r.Bulk = append(r.Bulk, br)
		case 7:
			h, err := unmarshalHealthInfo(s.bytes())
			if err != nil {
				s.err = err
				return true
			}
			r.Health = h
		case 8:
			r.PermissionID = s.int64()
		case 9:
			r.EntityID = s.int64()
		default:
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
