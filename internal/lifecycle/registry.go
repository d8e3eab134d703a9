package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

// ErrVersionNotFound is returned for operations on unknown versions.
var ErrVersionNotFound = errors.New("version not found")

// ErrNoRollbackTarget is returned when no earlier version exists to roll
// back to.
var ErrNoRollbackTarget = errors.New("no earlier version to roll back to")

// Comparison pairs live aggregates for two versions of a variant.
type Comparison struct {
	Variant string         `json:"variant"`
	A       VersionMetrics `json:"a"`
	B       VersionMetrics `json:"b"`
}

// VersionMetrics is one version's realized performance.
type VersionMetrics struct {
	Version         int     `json:"version"`
	Conversations   int     `json:"conversations"`
	BookingRate     float64 `json:"bookingRate"`
	EscalationRate  float64 `json:"escalationRate"`
	AvgCostUSD      float64 `json:"avgCostUSD"`
	AvgTokens       float64 `json:"avgTokens"`
	AvgSatisfaction float64 `json:"avgSatisfaction"`
}

// Registry manages versioned system prompts per variant. Exactly one
// version per variant is active; conversations are stamped with the version
// they ran under so versions stay comparable after the fact.
type Registry struct {
	store *store.Store
	now   func() time.Time
}

// NewRegistry builds a registry.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, now: time.Now}
}

// Register stores a new prompt as the next version number for the variant.
// It is not activated.
func (r *Registry) Register(variant, systemPrompt string, metadata map[string]string) (*store.ModelVersion, error) {
	max, err := r.store.MaxVersion(variant)
	if err != nil {
		return nil, err
	}
	v := &store.ModelVersion{
		Variant:      variant,
		Version:      max + 1,
		SystemPrompt: systemPrompt,
		CreatedAt:    r.now().UTC().Format(time.RFC3339),
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		s := string(raw)
		v.Metadata = &s
	}
	if _, err := r.store.RegisterVersion(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Activate makes (variant, version) the serving version.
func (r *Registry) Activate(variant string, version int) error {
	return r.store.ActivateVersion(variant, version, r.now().UTC().Format(time.RFC3339))
}

// Active returns the serving version for a variant, or nil when none is
// activated.
func (r *Registry) Active(variant string) (*store.ModelVersion, error) {
	return r.store.GetActiveVersion(variant)
}

// Rollback activates the highest version below the currently active one.
func (r *Registry) Rollback(variant string) (*store.ModelVersion, error) {
	active, err := r.store.GetActiveVersion(variant)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("variant %q: %w", variant, ErrVersionNotFound)
	}

	versions, err := r.store.ListVersions(variant)
	if err != nil {
		return nil, err
	}
	var target *store.ModelVersion
	for i := range versions {
		if versions[i].Version < active.Version {
			if target == nil || versions[i].Version > target.Version {
				target = &versions[i]
			}
		}
	}
	if target == nil {
		return nil, fmt.Errorf("variant %q at version %d: %w", variant, active.Version, ErrNoRollbackTarget)
	}

	if err := r.Activate(variant, target.Version); err != nil {
		return nil, err
	}
	return target, nil
}

// Tag adds or overwrites a named tag on a version. Re-tagging with the same
// value is a no-op.
func (r *Registry) Tag(variant string, version int, tag, description string) error {
	v, err := r.store.GetVersion(variant, version)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%s/%d: %w", variant, version, ErrVersionNotFound)
	}

	tags := make(map[string]string)
	if v.Tags != nil && *v.Tags != "" {
		if err := json.Unmarshal([]byte(*v.Tags), &tags); err != nil {
			return fmt.Errorf("decode tags for %s/%d: %w", variant, version, err)
		}
	}
	if existing, ok := tags[tag]; ok && existing == description {
		return nil
	}
	tags[tag] = description

	raw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	return r.store.SetVersionTags(variant, version, string(raw))
}

// List returns all versions for a variant (all variants when empty).
func (r *Registry) List(variant string) ([]store.ModelVersion, error) {
	return r.store.ListVersions(variant)
}

// Compare aggregates realized performance for two versions of a variant.
func (r *Registry) Compare(variant string, a, b int) (*Comparison, error) {
	for _, version := range []int{a, b} {
		v, err := r.store.GetVersion(variant, version)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("%s/%d: %w", variant, version, ErrVersionNotFound)
		}
	}

	metricsFor := func(version int) (VersionMetrics, error) {
		st, err := r.store.GetVariantVersionStats(variant, version)
		if err != nil {
			return VersionMetrics{}, err
		}
		return VersionMetrics{
			Version:         version,
			Conversations:   st.Conversations,
			BookingRate:     st.BookingRate,
			EscalationRate:  st.EscalationRate,
			AvgCostUSD:      st.AvgCostUSD,
			AvgTokens:       st.AvgTokens,
			AvgSatisfaction: st.AvgSatisfaction,
		}, nil
	}

	ma, err := metricsFor(a)
	if err != nil {
		return nil, err
	}
	mb, err := metricsFor(b)
	if err != nil {
		return nil, err
	}
	return &Comparison{Variant: variant, A: ma, B: mb}, nil
}
