// Package filterset loads receive filter lists from YAML files:
//
//	join: any            # any (default) or all
//	filters:
//	  - id: 0x123
//	    mask: 0x7FF      # optional, defaults to all id bits
//	    extended: false  # optional; omitted = match both formats
//	    remote: false    # optional; omitted = match data and remote frames
//	    invert: false
package filterset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-canary/internal/can"
)

// MaxFilters is the kernel limit on filters per raw socket.
const MaxFilters = can.MaxFilters

// Join selects how a frame is matched against the list.
type Join string

const (
	JoinAny Join = "any"
	JoinAll Join = "all"
)

var ErrEmpty = errors.New("filterset: empty document")

// Rule is one YAML filter entry.
type Rule struct {
	ID       uint32  `yaml:"id"`
	Mask     *uint32 `yaml:"mask,omitempty"`
	Extended *bool   `yaml:"extended,omitempty"`
	Remote   *bool   `yaml:"remote,omitempty"`
	Invert   bool    `yaml:"invert,omitempty"`
}

type document struct {
	Join    Join   `yaml:"join"`
	Filters []Rule `yaml:"filters"`
}

// Set is a validated filter list ready to install.
type Set struct {
	Join    Join
	Filters []can.Filter
}

// Load reads and parses the file at path.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter set: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a YAML filter set. Unknown keys are rejected.
func Parse(data []byte) (*Set, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("parse filter set: %w", err)
	}
	doc.applyDefaults()
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("validate filter set: %w", err)
	}
	s := &Set{Join: doc.Join, Filters: make([]can.Filter, len(doc.Filters))}
	for i, r := range doc.Filters {
		s.Filters[i] = r.Filter()
	}
	return s, nil
}

func (d *document) applyDefaults() {
	if d.Join == "" {
		d.Join = JoinAny
	}
}

func (d *document) validate() error {
	switch d.Join {
	case JoinAny, JoinAll:
	default:
		return fmt.Errorf("invalid join %q (use any|all)", d.Join)
	}
	if len(d.Filters) > MaxFilters {
		return fmt.Errorf("%d filters exceed the kernel limit of %d", len(d.Filters), MaxFilters)
	}
	for i, r := range d.Filters {
		if r.ID > can.CAN_EFF_MASK {
			return fmt.Errorf("filters[%d].id %#x exceeds 29 bits", i, r.ID)
		}
		if r.Mask != nil && *r.Mask > can.CAN_EFF_MASK {
			return fmt.Errorf("filters[%d].mask %#x exceeds 29 bits", i, *r.Mask)
		}
		if r.Extended != nil && !*r.Extended && r.ID > can.CAN_SFF_MASK {
			return fmt.Errorf("filters[%d].id %#x does not fit a standard frame", i, r.ID)
		}
	}
	return nil
}

// Filter converts r. Without an explicit mask every id bit is compared:
// 11 bits for standard ids, 29 otherwise.
func (r Rule) Filter() can.Filter {
	mask := uint32(can.CAN_EFF_MASK)
	switch {
	case r.Mask != nil:
		mask = *r.Mask
	case r.ID <= can.CAN_SFF_MASK && (r.Extended == nil || !*r.Extended):
		mask = can.CAN_SFF_MASK
	}
	f := can.NewFilter(r.ID, mask)
	if r.Extended != nil {
		f.SetExtendedFormat(*r.Extended)
	}
	if r.Remote != nil {
		f.SetRemoteTransmission(*r.Remote)
	}
	f.SetNegation(r.Invert)
	return f
}

// Matches applies the set to a raw can_id word the way the kernel would.
func (s *Set) Matches(word uint32) bool {
	if s.Join == JoinAll {
		return can.MatchAll(s.Filters, word)
	}
	return can.MatchAny(s.Filters, word)
}
