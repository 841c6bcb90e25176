package batch

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Row is one unvalidated configuration as authored by the user: a row id, an
// optional filename and raw text cells keyed by dimension name. Blank cells
// and cells under an unnamed dimension are ignored.
type Row struct {
	Row      int               `json:"row" yaml:"row"`
	Filename string            `json:"filename" yaml:"filename"`
	Cells    map[string]string `json:"dims" yaml:"dims"`
}

// CollisionPolicy decides what happens when two configurations would export
// to the same file name.
type CollisionPolicy string

const (
	// CollisionSuffix renames later duplicates to <name>_2, <name>_3, ...
	CollisionSuffix CollisionPolicy = "suffix"
	// CollisionReject drops later duplicates.
	CollisionReject CollisionPolicy = "reject"
	// CollisionOverwrite lets later exports overwrite earlier ones.
	CollisionOverwrite CollisionPolicy = "overwrite"
)

// ParseCollisionPolicy accepts a policy name; empty means CollisionSuffix.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch p := CollisionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return CollisionSuffix, nil
	case CollisionSuffix, CollisionReject, CollisionOverwrite:
		return p, nil
	default:
		return "", fmt.Errorf("unknown collision policy %q", s)
	}
}

// Rejection is a row excluded from submission. Status is what the row
// should display; it is StatusNotSubmitted for rows that were simply empty.
type Rejection struct {
	Row    int
	Status string
	Err    error
}

// Validation is the outcome of validating authored rows.
type Validation struct {
	Configurations []Configuration
	Rejected       []Rejection
	// Renamed maps a row to its filename after collision handling.
	Renamed map[int]string
}

// Err aggregates every rejection that was caused by bad input. Rows dropped
// only for being empty are not included.
func (v Validation) Err() error {
	var merr *multierror.Error
	for _, r := range v.Rejected {
		if r.Status == StatusNotSubmitted {
			continue
		}
		merr = multierror.Append(merr, fmt.Errorf("row %d: %w", r.Row, r.Err))
	}
	return merr.ErrorOrNil()
}

// Validate turns authored rows into configurations. Row ids start at 1; a
// lower id is rejected since 0 and below are reserved for batch-wide events.
// A row with any cell that does not parse as a finite number is rejected
// whole; a row left with no dimensions is dropped. ErrNoValidConfigurations
// is returned, along with the full Validation, when nothing survives.
func Validate(rows []Row, policy CollisionPolicy) (Validation, error) {
	if policy == "" {
		policy = CollisionSuffix
	}
	v := Validation{Renamed: make(map[int]string)}
	seenRows := make(map[int]bool)
	used := map[string]bool{originalFilenameStem: true}

	for _, r := range rows {
		if r.Row < 1 {
			v.Rejected = append(v.Rejected, Rejection{Row: r.Row, Status: StatusInvalidRow, Err: ErrInvalidRow})
			continue
		}
		if seenRows[r.Row] {
			v.Rejected = append(v.Rejected, Rejection{Row: r.Row, Status: StatusDuplicateRow, Err: ErrDuplicateRow})
			continue
		}
		seenRows[r.Row] = true

		dims, err := parseCells(r.Cells)
		if err != nil {
			v.Rejected = append(v.Rejected, Rejection{Row: r.Row, Status: StatusInvalidNumber, Err: err})
			continue
		}
		if len(dims) == 0 {
			v.Rejected = append(v.Rejected, Rejection{Row: r.Row, Status: StatusNotSubmitted, Err: ErrEmptyConfiguration})
			continue
		}

		name, err := cleanFilename(r.Filename, r.Row)
		if err != nil {
			v.Rejected = append(v.Rejected, Rejection{Row: r.Row, Status: StatusInvalidName, Err: err})
			continue
		}

		key := strings.ToLower(name)
		if used[key] {
			switch policy {
			case CollisionReject:
				v.Rejected = append(v.Rejected, Rejection{
					Row:    r.Row,
					Status: StatusDuplicateName,
					Err:    fmt.Errorf("%w: %s", ErrDuplicateFilename, name),
				})
				continue
			case CollisionSuffix:
				renamed := nextFree(name, used)
				v.Renamed[r.Row] = renamed
				name = renamed
				key = strings.ToLower(name)
			}
		}
		used[key] = true

		v.Configurations = append(v.Configurations, Configuration{Row: r.Row, Filename: name, Dims: dims})
	}

	if len(v.Configurations) == 0 {
		return v, ErrNoValidConfigurations
	}
	return v, nil
}

func parseCells(cells map[string]string) (map[string]float64, error) {
	names := make([]string, 0, len(cells))
	for name := range cells {
		names = append(names, name)
	}
	sort.Strings(names)

	dims := make(map[string]float64, len(cells))
	for _, name := range names {
		dim := strings.TrimSpace(name)
		raw := strings.TrimSpace(cells[name])
		if dim == "" || raw == "" {
			continue
		}
		val, err := ParseMillimeters(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dim, err)
		}
		dims[dim] = val
	}
	return dims, nil
}

// ParseMillimeters parses a user-entered dimension value.
func ParseMillimeters(raw string) (float64, error) {
	val, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumericInput, raw)
	}
	return val, nil
}

func cleanFilename(name string, row int) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Sprintf("%s%d", defaultFilenameStem, row), nil
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return name, nil
}

func nextFree(name string, used map[string]bool) string {
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if !used[strings.ToLower(candidate)] {
			return candidate
		}
	}
}
