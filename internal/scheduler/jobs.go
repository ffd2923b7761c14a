package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/klwatch/internal/storage"
)

const (
	MinInterval     = 60
	MaxPageCount    = 20
	maxNameLength   = 255
	maxFieldLength  = 255
	defaultInterval = 3600
)

// JobInput creates a job. Nil pointers take defaults.
type JobInput struct {
	Name            string `json:"name"`
	Query           string `json:"query"`
	Location        string `json:"location"`
	Radius          *int   `json:"radius"`
	MinPrice        *int   `json:"min_price"`
	MaxPrice        *int   `json:"max_price"`
	PageCount       *int   `json:"page_count"`
	IntervalSeconds *int   `json:"interval_seconds"`
	IsActive        *bool  `json:"is_active"`
}

// JobPatch updates a job. Nil and unset fields are left unchanged; the name
// is fixed. Radius and the price bounds are cleared by an explicit null.
type JobPatch struct {
	Query           *string     `json:"query"`
	Location        *string     `json:"location"`
	Radius          NullableInt `json:"radius"`
	MinPrice        NullableInt `json:"min_price"`
	MaxPrice        NullableInt `json:"max_price"`
	PageCount       *int        `json:"page_count"`
	IntervalSeconds *int        `json:"interval_seconds"`
	IsActive        *bool       `json:"is_active"`
}

// NullableInt tells an absent JSON field (Set false) from an explicit null
// (Set true, Value nil).
type NullableInt struct {
	Set   bool
	Value *int
}

// SetInt returns a NullableInt carrying v.
func SetInt(v int) NullableInt { return NullableInt{Set: true, Value: &v} }

// Null returns a NullableInt that clears the field.
func Null() NullableInt { return NullableInt{Set: true} }

func (n *NullableInt) UnmarshalJSON(b []byte) error {
	n.Set = true
	if string(b) == "null" {
		n.Value = nil
		return nil
	}
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

func (n NullableInt) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.Value)
}

func (n NullableInt) apply(dst **int) {
	if n.Set {
		*dst = n.Value
	}
}

func clampInterval(v int) int {
	if v < MinInterval {
		return MinInterval
	}
	return v
}

func clampPageCount(v int) int {
	switch {
	case v < 1:
		return 1
	case v > MaxPageCount:
		return MaxPageCount
	}
	return v
}

func validateName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", maxNameLength)}
	}
	return nil
}

// validateSearch checks the search fields of a fully resolved job.
func validateSearch(j storage.Job) error {
	if utf8.RuneCountInString(j.Query) > maxFieldLength {
		return &ValidationError{Field: "query", Message: fmt.Sprintf("must be at most %d characters", maxFieldLength)}
	}
	if utf8.RuneCountInString(j.Location) > maxFieldLength {
		return &ValidationError{Field: "location", Message: fmt.Sprintf("must be at most %d characters", maxFieldLength)}
	}
	for _, f := range []struct {
		name string
		v    *int
	}{
		{"radius", j.Radius},
		{"min_price", j.MinPrice},
		{"max_price", j.MaxPrice},
	} {
		if f.v != nil && *f.v < 0 {
			return &ValidationError{Field: f.name, Message: "must not be negative"}
		}
	}
	if j.MinPrice != nil && j.MaxPrice != nil && *j.MinPrice > *j.MaxPrice {
		return &ValidationError{Field: "min_price", Message: "must not exceed max_price"}
	}
	return nil
}

// jobFromInput resolves defaults and clamps; it does not touch timestamps.
func jobFromInput(in JobInput, defInterval int) (storage.Job, error) {
	j := storage.Job{
		Name:            strings.TrimSpace(in.Name),
		Query:           strings.TrimSpace(in.Query),
		Location:        strings.TrimSpace(in.Location),
		Radius:          in.Radius,
		MinPrice:        in.MinPrice,
		MaxPrice:        in.MaxPrice,
		PageCount:       1,
		IntervalSeconds: defInterval,
		IsActive:        true,
		LastRunStatus:   storage.RunStatusNone,
	}
	if err := validateName(j.Name); err != nil {
		return storage.Job{}, err
	}
	if in.PageCount != nil {
		j.PageCount = *in.PageCount
	}
	if in.IntervalSeconds != nil {
		j.IntervalSeconds = *in.IntervalSeconds
	}
	if in.IsActive != nil {
		j.IsActive = *in.IsActive
	}
	j.PageCount = clampPageCount(j.PageCount)
	j.IntervalSeconds = clampInterval(j.IntervalSeconds)
	if err := validateSearch(j); err != nil {
		return storage.Job{}, err
	}
	return j, nil
}

// applyPatch returns j with p applied, validated and clamped.
func applyPatch(j storage.Job, p JobPatch) (storage.Job, error) {
	if p.Query != nil {
		j.Query = strings.TrimSpace(*p.Query)
	}
	if p.Location != nil {
		j.Location = strings.TrimSpace(*p.Location)
	}
	p.Radius.apply(&j.Radius)
	p.MinPrice.apply(&j.MinPrice)
	p.MaxPrice.apply(&j.MaxPrice)
	if p.PageCount != nil {
		j.PageCount = clampPageCount(*p.PageCount)
	}
	if p.IntervalSeconds != nil {
		j.IntervalSeconds = clampInterval(*p.IntervalSeconds)
	}
	if p.IsActive != nil {
		j.IsActive = *p.IsActive
	}
	if err := validateSearch(j); err != nil {
		return storage.Job{}, err
	}
	return j, nil
}

// seedJob is one entry of the seed_jobs JSON array. interval is accepted as
// an alias of interval_seconds.
type seedJob struct {
	JobInput
	Interval *int `json:"interval"`
}

func parseSeedJobs(raw string) ([]JobInput, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var seeds []seedJob
	if err := json.Unmarshal([]byte(raw), &seeds); err != nil {
		return nil, fmt.Errorf("parsing seed jobs: %w", err)
	}
	out := make([]JobInput, 0, len(seeds))
	for i, s := range seeds {
		in := s.JobInput
		if in.IntervalSeconds == nil {
			in.IntervalSeconds = s.Interval
		}
		if strings.TrimSpace(in.Name) == "" {
			in.Name = strings.TrimSpace(in.Query)
		}
		if in.Name == "" {
			in.Name = fmt.Sprintf("job-%d", i)
		}
		out = append(out, in)
	}
	return out, nil
}
