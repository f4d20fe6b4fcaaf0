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

// Package uripattern implements the URI pattern language used by
// permissions: literal segments, single-segment wildcards (*),
// tail wildcards (**) and named parameters ({name}).
package uripattern

import (
	"strings"

	"github.com/cs3org/arbor/pkg/errtypes"
)

type segKind int

const (
	segLiteral segKind = iota
	segParam
	segStar
	segTail
)

type segment struct {
	kind segKind
	text string // literal value or parameter name
}

// Pattern is a compiled URI pattern. It is immutable and safe for
// concurrent use.
type Pattern struct {
	raw  string
	segs []segment
	spec int
}

// Weights for the specificity score. Any additional literal segment
// outranks any number of parameters, and parameters outrank wildcards.
const (
	exactBonus    = 1 << 30
	literalWeight = 1 << 20
	paramWeight   = 1 << 10
	starWeight    = 1
)

// Compile parses a pattern. A tail wildcard is only valid as the last
// segment; empty patterns are rejected.
func Compile(raw string) (*Pattern, error) {
	if raw == "" || raw[0] != '/' {
		return nil, errtypes.InvalidArgument("uripattern: pattern must start with /")
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	p := &Pattern{raw: raw}
	exact := true
	for i, part := range parts {
		switch {
		case part == "":
			return nil, errtypes.InvalidArgument("uripattern: empty segment in " + raw)
		case part == "**":
			if i != len(parts)-1 {
				return nil, errtypes.InvalidArgument("uripattern: ** is only valid as the last segment in " + raw)
			}
			p.segs = append(p.segs, segment{kind: segTail})
			exact = false
		case part == "*":
			p.segs = append(p.segs, segment{kind: segStar})
			p.spec += starWeight
			exact = false
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, errtypes.InvalidArgument("uripattern: empty parameter name in " + raw)
			}
			p.segs = append(p.segs, segment{kind: segParam, text: name})
			p.spec += paramWeight
			exact = false
		default:
			p.segs = append(p.segs, segment{kind: segLiteral, text: part})
			p.spec += literalWeight
		}
	}
	if exact {
		p.spec += exactBonus
	}
	return p, nil
}

// String returns the raw pattern.
func (p *Pattern) String() string { return p.raw }

// Specificity returns the ranking score of the pattern. A fully literal
// pattern (exact match) ranks above everything else, then patterns are
// ordered by literal segment count, then parameter count, then
// single-segment wildcards. Tail wildcards contribute nothing.
func (p *Pattern) Specificity() int { return p.spec }

// Match reports whether uri matches the pattern. On a match, bindings
// holds the segments captured by {name} parameters; it is nil when the
// pattern has no parameters.
func (p *Pattern) Match(uri string) (bool, map[string]string) {
	if uri == "" || uri[0] != '/' {
		return false, nil
	}
	segs := strings.Split(strings.Trim(uri, "/"), "/")
	if len(segs) == 1 && segs[0] == "" {
		segs = nil
	}

	var bindings map[string]string
	for i, ps := range p.segs {
		if ps.kind == segTail {
			// one or more remaining segments
			if len(segs) > i {
				return true, bindings
			}
			return false, nil
		}
		if i >= len(segs) {
			return false, nil
		}
		switch ps.kind {
		case segLiteral:
			if segs[i] != ps.text {
				return false, nil
			}
		case segParam:
			if bindings == nil {
				bindings = map[string]string{}
			}
			bindings[ps.text] = segs[i]
		case segStar:
			// any single segment
		}
	}
	if len(segs) != len(p.segs) {
		return false, nil
	}
	return true, bindings
}
