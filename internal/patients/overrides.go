package patients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hubenschmidt/casecall/internal/kv"
)

// OverridesKey is the KV key holding the whole override mapping.
const OverridesKey = "patients-overrides-v1"

// ErrEmptyKey is returned by Merge when the patient key is blank.
var ErrEmptyKey = errors.New("patients: empty patient key")

// Override is the durable patch applied over a base patient record.
type Override struct {
	FinalSummary string `json:"final_summary,omitempty"`
	DateModified string `json:"date_modified,omitempty"`
}

// fields returns the non-blank fields of o as raw JSON values.
func (o Override) fields() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, 2)
	if strings.TrimSpace(o.FinalSummary) != "" {
		out["final_summary"], _ = json.Marshal(o.FinalSummary)
	}
	if o.DateModified != "" {
		out["date_modified"], _ = json.Marshal(o.DateModified)
	}
	return out
}

// OverrideStore reads and writes the override mapping in a kv.Store.
// Merges are serialized within the process; across processes the last write
// wins.
type OverrideStore struct {
	kv kv.Store
	mu sync.Mutex
}

// NewOverrideStore wraps store.
func NewOverrideStore(store kv.Store) *OverrideStore {
	return &OverrideStore{kv: store}
}

func (s *OverrideStore) readRaw(ctx context.Context) (map[string]map[string]json.RawMessage, error) {
	data, err := s.kv.Get(ctx, OverridesKey)
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}

	all := map[string]map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode overrides: %w", err)
	}
	if all == nil {
		all = map[string]map[string]json.RawMessage{}
	}
	return all, nil
}

// Merge folds patch into the entry for key, creating it if absent. Blank
// fields in patch are dropped first, so a stored summary is never replaced by
// an empty one. Fields in the entry that patch does not name are kept.
func (s *OverrideStore) Merge(ctx context.Context, key string, patch Override) error {
	key = Key(key)
	if key == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readRaw(ctx)
	if err != nil {
		return err
	}

	entry := all[key]
	if entry == nil {
		entry = map[string]json.RawMessage{}
	}
	for k, v := range patch.fields() {
		entry[k] = v
	}
	all[key] = entry

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	return s.kv.Set(ctx, OverridesKey, data)
}

// Load returns every stored override keyed by patient key.
func (s *OverrideStore) Load(ctx context.Context) (map[string]Override, error) {
	raw, err := s.readRaw(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Override, len(raw))
	for key, entry := range raw {
		var o Override
		b, _ := json.Marshal(entry)
		if err := json.Unmarshal(b, &o); err != nil {
			return nil, fmt.Errorf("decode override %q: %w", key, err)
		}
		out[key] = o
	}
	return out, nil
}

// LoadMerged overlays stored overrides onto base and returns the effective
// list. base is not modified.
func (s *OverrideStore) LoadMerged(ctx context.Context, base []Patient) ([]Patient, error) {
	overrides, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Apply(base, overrides), nil
}

// Apply overlays overrides onto base by patient key.
func Apply(base []Patient, overrides map[string]Override) []Patient {
	out := make([]Patient, len(base))
	for i, p := range base {
		o, ok := overrides[Key(p.PatientName)]
		if ok {
			if o.FinalSummary != "" {
				p.FinalSummary = o.FinalSummary
			}
			if o.DateModified != "" {
				p.DateModified = o.DateModified
			}
		}
		out[i] = p
	}
	return out
}
