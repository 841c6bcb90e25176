// Package batchfile loads batch descriptions from JSON, YAML or HCL files.
//
// All three encodings share one shape: a part, an output directory, a
// format, an optional collision policy and a list of configurations whose
// dimension cells are kept as raw text. Numeric validation is left to
// batch.Validate so every front end rejects the same inputs.
package batchfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"partbatch/internal/batch"
)

var ErrUnsupportedEncoding = errors.New("unsupported batch file encoding")

// Encoding is a batch file syntax.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingYAML Encoding = "yaml"
	EncodingHCL  Encoding = "hcl"
)

// EncodingFor picks an encoding from a file extension.
func EncodingFor(path string) (Encoding, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return EncodingJSON, nil
	case ".yaml", ".yml":
		return EncodingYAML, nil
	case ".hcl":
		return EncodingHCL, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedEncoding, path)
	}
}

// File is a decoded batch file.
type File struct {
	Part           string  `json:"part" yaml:"part"`
	Output         string  `json:"output" yaml:"output"`
	Format         string  `json:"format" yaml:"format"`
	Collisions     string  `json:"collisions,omitempty" yaml:"collisions,omitempty"`
	Configurations []Entry `json:"configurations" yaml:"configurations"`
}

// Entry is one configuration as written in the file. An entry without a row
// is numbered after the highest explicit row.
type Entry struct {
	Row      int             `json:"row,omitempty" yaml:"row,omitempty"`
	Filename string          `json:"filename,omitempty" yaml:"filename,omitempty"`
	Dims     map[string]Cell `json:"dims" yaml:"dims"`
}

// Cell is a raw dimension value. Files may write it as a number or a string.
type Cell string

func (c *Cell) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Cell(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("dimension value must be a number or string: %s", data)
		}
		*c = Cell(n.String())
		return nil
	}
}

func (c *Cell) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: dimension value must be a scalar", node.Line)
	}
	if node.Tag == "!!null" {
		*c = ""
		return nil
	}
	*c = Cell(node.Value)
	return nil
}

// hclFile mirrors File for gohcl. Dims is evaluated as an expression so
// numbers and strings are both accepted.
type hclFile struct {
	Part           string     `hcl:"part"`
	Output         string     `hcl:"output"`
	Format         string     `hcl:"format"`
	Collisions     string     `hcl:"collisions,optional"`
	Configurations []hclEntry `hcl:"configuration,block"`
}

type hclEntry struct {
	Row      int       `hcl:"row,optional"`
	Filename string    `hcl:"filename,optional"`
	Dims     cty.Value `hcl:"dims,optional"`
}

// Load reads and decodes the batch file at path. Relative part and output
// paths are resolved against the file's directory.
func Load(path string) (*File, error) {
	enc, err := EncodingFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	f, err := Parse(data, enc, path)
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	if f.Part != "" && !filepath.IsAbs(f.Part) {
		f.Part = filepath.Join(base, f.Part)
	}
	if f.Output != "" && !filepath.IsAbs(f.Output) {
		f.Output = filepath.Join(base, f.Output)
	}
	return f, nil
}

// Parse decodes data in the given encoding. filename is used in diagnostics.
func Parse(data []byte, enc Encoding, filename string) (*File, error) {
	var f File
	switch enc {
	case EncodingJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filename, err)
		}
	case EncodingYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filename, err)
		}
	case EncodingHCL:
		hf, err := parseHCL(data, filename)
		if err != nil {
			return nil, err
		}
		f = *hf
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}
	return &f, nil
}

func parseHCL(data []byte, filename string) (*File, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root hclFile
	diags = gohcl.DecodeBody(file.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	f := &File{
		Part:       root.Part,
		Output:     root.Output,
		Format:     root.Format,
		Collisions: root.Collisions,
	}
	for i, e := range root.Configurations {
		dims, err := ctyCells(e.Dims)
		if err != nil {
			return nil, fmt.Errorf("%s: configuration %d: %w", filename, i+1, err)
		}
		f.Configurations = append(f.Configurations, Entry{Row: e.Row, Filename: e.Filename, Dims: dims})
	}
	return f, nil
}

// ctyCells flattens an HCL object or map of primitives into raw cells.
func ctyCells(val cty.Value) (map[string]Cell, error) {
	if val.IsNull() || !val.IsKnown() {
		return map[string]Cell{}, nil
	}
	ty := val.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("dims must be an object, got %s", ty.FriendlyName())
	}

	out := make(map[string]Cell, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		name := k.AsString()
		if v.IsNull() {
			out[name] = ""
			continue
		}
		switch v.Type() {
		case cty.String:
			out[name] = Cell(v.AsString())
		case cty.Number:
			out[name] = Cell(v.AsBigFloat().Text('g', -1))
		default:
			return nil, fmt.Errorf("dimension %s: unsupported value type %s", name, v.Type().FriendlyName())
		}
	}
	return out, nil
}

// Rows converts the file's entries into authored rows. Entries without a row
// take max(explicit)+1, max(explicit)+2 and so on, in file order.
func (f *File) Rows() []batch.Row {
	next := 0
	for _, e := range f.Configurations {
		next = max(next, e.Row)
	}

	rows := make([]batch.Row, 0, len(f.Configurations))
	for _, e := range f.Configurations {
		row := e.Row
		if row == 0 {
			next++
			row = next
		}
		cells := make(map[string]string, len(e.Dims))
		for name, c := range e.Dims {
			cells[name] = string(c)
		}
		rows = append(rows, batch.Row{Row: row, Filename: e.Filename, Cells: cells})
	}
	return rows
}

// Request validates the file into a submittable request. A collision policy
// set in the file wins over fallback. The Validation is returned even when
// the request is rejected so callers can report per-row problems.
func (f *File) Request(fallback batch.CollisionPolicy) (batch.Request, batch.Validation, error) {
	format, err := batch.ParseFormat(f.Format)
	if err != nil {
		return batch.Request{}, batch.Validation{}, err
	}

	policy := fallback
	if f.Collisions != "" {
		policy, err = batch.ParseCollisionPolicy(f.Collisions)
		if err != nil {
			return batch.Request{}, batch.Validation{}, err
		}
	}

	v, err := batch.Validate(f.Rows(), policy)
	if err != nil {
		return batch.Request{}, v, err
	}

	req := batch.Request{
		PartPath:       f.Part,
		OutputRoot:     f.Output,
		Format:         format,
		Configurations: v.Configurations,
	}
	if err := req.Check(); err != nil {
		return batch.Request{}, v, err
	}
	return req, v, nil
}
