package domain

import (
	"encoding/json"
	"fmt"
)

// SimilarParams are the action-specific inputs for similar tasks.
type SimilarParams struct {
	Username string         `json:"username"`
	UID      string         `json:"uid,omitempty"`
	Count    int            `json:"count"`
	Follows  *FollowsFilter `json:"follows,omitempty"`
	AvgViews *ViewsFilter   `json:"avg_views,omitempty"`
}

// SearchParams are the action-specific inputs for search tasks.
type SearchParams struct {
	Query   string         `json:"query"`
	Count   int            `json:"count"`
	Follows *FollowsFilter `json:"follows,omitempty"`
}

// Validate checks bounds shared with the intake surface.
func (p SimilarParams) Validate() error {
	if p.Username == "" {
		return fmt.Errorf("%w: username required", ErrInvalidArgument)
	}
	if p.Count <= 0 || p.Count > 100 {
		return fmt.Errorf("%w: count must be in (0,100]", ErrInvalidArgument)
	}
	if v := p.AvgViews; v != nil {
		if (v.Min != nil && *v.Min < 0) || (v.Max != nil && *v.Max < 0) {
			return fmt.Errorf("%w: avg_views.min/max must be non-negative", ErrInvalidArgument)
		}
	}
	return validateFollows(p.Follows)
}

// Validate checks bounds shared with the intake surface.
func (p SearchParams) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("%w: query required", ErrInvalidArgument)
	}
	if p.Count <= 0 || p.Count > 100 {
		return fmt.Errorf("%w: count must be in (0,100]", ErrInvalidArgument)
	}
	return validateFollows(p.Follows)
}

func validateFollows(f *FollowsFilter) error {
	if f == nil {
		return nil
	}
	if f.Min != nil && *f.Min < 0 {
		return fmt.Errorf("%w: follows.min must be non-negative", ErrInvalidArgument)
	}
	if f.Max != nil && *f.Max < 0 {
		return fmt.Errorf("%w: follows.max must be non-negative", ErrInvalidArgument)
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return fmt.Errorf("%w: follows.min exceeds follows.max", ErrInvalidArgument)
	}
	return nil
}

// ParamsMap converts typed params to the opaque task-log map.
func ParamsMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return m, nil
}

// SimilarParamsFrom decodes the opaque map back into typed params.
func SimilarParamsFrom(m map[string]any) (SimilarParams, error) {
	var p SimilarParams
	if err := decodeParams(m, &p); err != nil {
		return SimilarParams{}, err
	}
	return p, nil
}

// SearchParamsFrom decodes the opaque map back into typed params.
func SearchParamsFrom(m map[string]any) (SearchParams, error) {
	var p SearchParams
	if err := decodeParams(m, &p); err != nil {
		return SearchParams{}, err
	}
	return p, nil
}

func decodeParams(m map[string]any, out any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal params map: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}
