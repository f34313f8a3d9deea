package iiod

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Context mirrors the XML document returned by the IIOD PRINT command.
type Context struct {
	XMLName      xml.Name      `xml:"context" json:"-"`
	Name         string        `xml:"name,attr" json:"name"`
	VersionMajor string        `xml:"version-major,attr" json:"versionMajor"`
	VersionMinor string        `xml:"version-minor,attr" json:"versionMinor"`
	Description  string        `xml:"description,attr" json:"description"`
	Attributes   []ContextAttr `xml:"context-attribute" json:"attributes"`
	Devices      []Device      `xml:"device" json:"devices"`
}

type ContextAttr struct {
	Name  string `xml:"name,attr" json:"name"`
	Value string `xml:"value,attr" json:"value"`
}

// Device is one IIO device of the context.
type Device struct {
	ID         string    `xml:"id,attr" json:"id"`
	Name       string    `xml:"name,attr" json:"name"`
	Label      string    `xml:"label,attr" json:"label,omitempty"`
	Channels   []Channel `xml:"channel" json:"channels"`
	Attributes []NamedAttr `xml:"attribute" json:"attributes"`
}

// Channel is an input or output channel of a device.
type Channel struct {
	ID          string       `xml:"id,attr" json:"id"`
	Name        string       `xml:"name,attr" json:"name,omitempty"`
	Type        string       `xml:"type,attr" json:"type"` // input | output
	Attributes  []NamedAttr  `xml:"attribute" json:"attributes"`
	ScanElement *ScanElement `xml:"scan-element" json:"scanElement,omitempty"`
}

type NamedAttr struct {
	Name string `xml:"name,attr" json:"name"`
}

type ScanElement struct {
	Index  string `xml:"index,attr" json:"index"`
	Format string `xml:"format,attr" json:"format"`
}

// Output reports whether the channel is an output channel.
func (ch Channel) Output() bool { return ch.Type == "output" }

// ParseContext decodes the PRINT payload.
func ParseContext(data []byte) (*Context, error) {
	// Some firmware prefixes the document with stray bytes.
	if idx := strings.IndexByte(string(data), '<'); idx > 0 {
		data = data[idx:]
	}
	var ctx Context
	if err := xml.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("parse IIOD XML context: %w", err)
	}
	return &ctx, nil
}

// Device looks a device up by name or id.
func (c *Context) Device(nameOrID string) (*Device, bool) {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == nameOrID || d.ID == nameOrID {
			return d, true
		}
	}
	return nil, false
}

// Channel looks up a channel by id and direction.
func (d *Device) Channel(id string, output bool) (*Channel, bool) {
	for i := range d.Channels {
		ch := &d.Channels[i]
		if ch.ID == id && ch.Output() == output {
			return ch, true
		}
	}
	return nil, false
}

// ScanFormat is the decoded form of a scan-element format string such as
// "le:S12/16>>0".
type ScanFormat struct {
	BigEndian bool
	Signed    bool
	Bits      int // significant bits
	Storage   int // storage bits
	Shift     int
	Repeat    int
}

// Bytes returns the storage size of one element including repeats.
func (f ScanFormat) Bytes() int {
	repeat := f.Repeat
	if repeat < 1 {
		repeat = 1
	}
	return (f.Storage + 7) / 8 * repeat
}

// ParseScanFormat decodes the IIO scan element format notation
// "[be|le]:[s|u]bits/storage[Xrepeat]>>shift".
func ParseScanFormat(s string) (ScanFormat, error) {
	var f ScanFormat
	endian, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return f, fmt.Errorf("invalid scan format %q", s)
	}
	f.BigEndian = strings.EqualFold(endian, "be")

	switch rest[0] {
	case 's', 'S':
		f.Signed = true
	case 'u', 'U':
	default:
		return f, fmt.Errorf("invalid scan format sign in %q", s)
	}
	rest = rest[1:]

	rest, shift, _ := strings.Cut(rest, ">>")
	if shift != "" {
		v, err := strconv.Atoi(shift)
		if err != nil {
			return f, fmt.Errorf("invalid scan format shift in %q: %w", s, err)
		}
		f.Shift = v
	}

	bits, storage, ok := strings.Cut(rest, "/")
	if !ok {
		return f, fmt.Errorf("invalid scan format %q", s)
	}
	storage, repeat, _ := strings.Cut(storage, "X")
	if repeat != "" {
		v, err := strconv.Atoi(repeat)
		if err != nil {
			return f, fmt.Errorf("invalid scan format repeat in %q: %w", s, err)
		}
		f.Repeat = v
	}

	var err error
	if f.Bits, err = strconv.Atoi(bits); err != nil {
		return f, fmt.Errorf("invalid scan format bits in %q: %w", s, err)
	}
	if f.Storage, err = strconv.Atoi(storage); err != nil {
		return f, fmt.Errorf("invalid scan format storage in %q: %w", s, err)
	}
	if f.Storage <= 0 || f.Bits > f.Storage {
		return f, fmt.Errorf("invalid scan format sizes in %q", s)
	}
	return f, nil
}

// ScanChannel is an enabled streaming channel with its sample layout.
type ScanChannel struct {
	ID     string
	Index  int
	Format ScanFormat
	Offset int // byte offset inside one sample
}

// ScanLayout computes how samples of the given channels are laid out in a
// buffer. Channels are ordered by scan index, as the kernel interleaves them.
func (d *Device) ScanLayout(channelIDs []string) ([]ScanChannel, int, error) {
	layout := make([]ScanChannel, 0, len(channelIDs))
	for _, id := range channelIDs {
		ch, ok := d.Channel(id, false)
		if !ok {
			return nil, 0, fmt.Errorf("device %s has no input channel %s", d.ID, id)
		}
		if ch.ScanElement == nil {
			return nil, 0, fmt.Errorf("channel %s of %s is not a scan element", id, d.ID)
		}
		idx, err := strconv.Atoi(ch.ScanElement.Index)
		if err != nil {
			return nil, 0, fmt.Errorf("channel %s scan index %q: %w", id, ch.ScanElement.Index, err)
		}
		format, err := ParseScanFormat(ch.ScanElement.Format)
		if err != nil {
			return nil, 0, err
		}
		layout = append(layout, ScanChannel{ID: id, Index: idx, Format: format})
	}

	sort.Slice(layout, func(i, j int) bool { return layout[i].Index < layout[j].Index })

	step := 0
	for i := range layout {
		size := layout[i].Format.Bytes()
		// Elements are aligned to their own size.
		if rem := step % size; rem != 0 {
			step += size - rem
		}
		layout[i].Offset = step
		step += size
	}
	return layout, step, nil
}
