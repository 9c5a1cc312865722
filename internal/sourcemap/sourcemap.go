// Package sourcemap decodes, encodes and composes version 3 source maps.
package sourcemap

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Map is a version 3 source map.
type Map struct {
	Version        int       `json:"version"`
	File           string    `json:"file,omitempty"`
	SourceRoot     string    `json:"sourceRoot,omitempty"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent,omitempty"`
	Names          []string  `json:"names"`
	Mappings       string    `json:"mappings"`
}

// Segment is one decoded mapping. Source is -1 for generated-only segments
// and Name is -1 when the segment carries no name.
type Segment struct {
	GenColumn int
	Source    int
	Line      int
	Column    int
	Name      int
}

// Parse decodes a JSON source map.
func Parse(data []byte) (*Map, error) {
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse source map: %w", err)
	}
	if m.Version != 3 {
		return nil, fmt.Errorf("unsupported source map version %d", m.Version)
	}
	return &m, nil
}

// String encodes the map as JSON.
func (m *Map) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// Decode expands the mappings field into per-line segments.
func (m *Map) Decode() ([][]Segment, error) {
	var (
		lines                      [][]Segment
		source, line, column, name int
		fields                     [5]int
	)
	for _, group := range strings.Split(m.Mappings, ";") {
		var segments []Segment
		genColumn := 0
		for _, raw := range strings.Split(group, ",") {
			if raw == "" {
				continue
			}
			n, err := decodeVLQ(raw, fields[:])
			if err != nil {
				return nil, err
			}
			genColumn += fields[0]
			seg := Segment{GenColumn: genColumn, Source: -1, Name: -1}
			if n >= 4 {
				source += fields[1]
				line += fields[2]
				column += fields[3]
				seg.Source, seg.Line, seg.Column = source, line, column
			}
			if n == 5 {
				name += fields[4]
				seg.Name = name
			}
			segments = append(segments, seg)
		}
		lines = append(lines, segments)
	}
	return lines, nil
}

// Encode replaces the mappings field with the encoding of lines.
func (m *Map) Encode(lines [][]Segment) {
	var (
		b                          strings.Builder
		source, line, column, name int
	)
	for i, segments := range lines {
		if i > 0 {
			b.WriteByte(';')
		}
		genColumn := 0
		for j, seg := range segments {
			if j > 0 {
				b.WriteByte(',')
			}
			encodeVLQ(&b, seg.GenColumn-genColumn)
			genColumn = seg.GenColumn
			if seg.Source < 0 {
				continue
			}
			encodeVLQ(&b, seg.Source-source)
			encodeVLQ(&b, seg.Line-line)
			encodeVLQ(&b, seg.Column-column)
			source, line, column = seg.Source, seg.Line, seg.Column
			if seg.Name >= 0 {
				encodeVLQ(&b, seg.Name-name)
				name = seg.Name
			}
		}
	}
	m.Mappings = b.String()
}

// Lookup finds the segment covering a generated position: the last segment
// on the line whose column is not past col.
func Lookup(lines [][]Segment, line, col int) (Segment, bool) {
	if line < 0 || line >= len(lines) {
		return Segment{}, false
	}
	segments := lines[line]
	i := sort.Search(len(segments), func(i int) bool { return segments[i].GenColumn > col })
	if i == 0 {
		return Segment{}, false
	}
	return segments[i-1], true
}

// Compose maps derived (which describes a transform of the output of base)
// back to base's original sources. The result describes the derived output
// in terms of the original files.
func Compose(base, derived string) (string, error) {
	baseMap, err := Parse([]byte(base))
	if err != nil {
		return "", err
	}
	derivedMap, err := Parse([]byte(derived))
	if err != nil {
		return "", err
	}
	baseLines, err := baseMap.Decode()
	if err != nil {
		return "", err
	}
	derivedLines, err := derivedMap.Decode()
	if err != nil {
		return "", err
	}

	out := &Map{
		Version: 3,
		File:    derivedMap.File,
		Sources: append([]string{}, baseMap.Sources...),
		Names:   []string{},
	}
	if len(baseMap.SourcesContent) > 0 {
		out.SourcesContent = append([]*string{}, baseMap.SourcesContent...)
	}
	names := map[string]int{}
	nameIndex := func(n string) int {
		if i, ok := names[n]; ok {
			return i
		}
		names[n] = len(out.Names)
		out.Names = append(out.Names, n)
		return names[n]
	}

	composed := make([][]Segment, len(derivedLines))
	for i, segments := range derivedLines {
		for _, seg := range segments {
			next := Segment{GenColumn: seg.GenColumn, Source: -1, Name: -1}
			if seg.Source >= 0 {
				if orig, ok := Lookup(baseLines, seg.Line, seg.Column); ok && orig.Source >= 0 {
					next.Source, next.Line, next.Column = orig.Source, orig.Line, orig.Column
					switch {
					case orig.Name >= 0 && orig.Name < len(baseMap.Names):
						next.Name = nameIndex(baseMap.Names[orig.Name])
					case seg.Name >= 0 && seg.Name < len(derivedMap.Names):
						next.Name = nameIndex(derivedMap.Names[seg.Name])
					}
				}
			}
			composed[i] = append(composed[i], next)
		}
	}
	out.Encode(composed)
	return out.String(), nil
}

const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64Index = func() [256]int {
	var idx [256]int
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(base64Chars); i++ {
		idx[base64Chars[i]] = i
	}
	return idx
}()

// decodeVLQ decodes up to len(out) base64 VLQ values from s and returns
// how many it read.
func decodeVLQ(s string, out []int) (int, error) {
	n := 0
	value, shift := 0, 0
	for i := 0; i < len(s); i++ {
		digit := base64Index[s[i]]
		if digit < 0 {
			return 0, fmt.Errorf("invalid base64 VLQ character %q", s[i])
		}
		value += (digit & 31) << shift
		if digit&32 != 0 {
			shift += 5
			continue
		}
		if n == len(out) {
			return 0, fmt.Errorf("too many fields in segment %q", s)
		}
		if value&1 != 0 {
			out[n] = -(value >> 1)
		} else {
			out[n] = value >> 1
		}
		n++
		value, shift = 0, 0
	}
	if shift != 0 {
		return 0, fmt.Errorf("truncated VLQ segment %q", s)
	}
	if n != 1 && n != 4 && n != 5 {
		return 0, fmt.Errorf("segment %q has %d fields", s, n)
	}
	return n, nil
}

func encodeVLQ(b *strings.Builder, v int) {
	vlq := v << 1
	if v < 0 {
		vlq = (-v << 1) | 1
	}
	for {
		digit := vlq & 31
		vlq >>= 5
		if vlq > 0 {
			digit |= 32
		}
		b.WriteByte(base64Chars[digit])
		if vlq == 0 {
			return
		}
	}
}
