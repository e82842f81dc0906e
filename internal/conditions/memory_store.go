package conditions

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"go-pixel-quality/internal/model"
)

// MemoryStore serves payloads from memory. It backs tests and the "file"
// conditions driver.
type MemoryStore struct {
	mu   sync.RWMutex
	iovs map[string][]*model.ConditionsPayload
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{iovs: make(map[string][]*model.ConditionsPayload)}
}

// Add registers a payload for tag starting at since. Adding an IOV with an
// existing since replaces it.
func (s *MemoryStore) Add(tag string, since model.Run, records []model.ModuleQualityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.iovs[tag]
	p := &model.ConditionsPayload{
		Tag:        tag,
		Hash:       payloadHash(records),
		ValidSince: since,
		Records:    append([]model.ModuleQualityRecord(nil), records...),
	}
	replaced := false
	for i, existing := range list {
		if existing.ValidSince == since {
			list[i] = p
			replaced = true
		}
	}
	if !replaced {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ValidSince < list[j].ValidSince })
	for i := range list {
		if i+1 < len(list) {
			list[i].ValidUntil = list[i+1].ValidSince
		} else {
			list[i].ValidUntil = model.OpenEnded
		}
	}
	s.iovs[tag] = list
}

// FetchPayload implements ports.PayloadFetcher.
func (s *MemoryStore) FetchPayload(ctx context.Context, tag string, run model.Run) (*model.ConditionsPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.iovs[tag]
	i := sort.Search(len(list), func(i int) bool { return list[i].ValidSince > run })
	if i == 0 {
		return nil, fmt.Errorf("tag %s run %d: %w", tag, run, ErrPayloadNotFound)
	}
	return list[i-1], nil
}

// Tags lists the tags known to the store.
func (s *MemoryStore) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.iovs))
	for tag := range s.iovs {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// fileIOV is the on-disk shape of one IOV in a conditions file.
type fileIOV struct {
	Since   model.Run                   `yaml:"since"`
	Modules []model.ModuleQualityRecord `yaml:"modules"`
}

type conditionsFile struct {
	Tags map[string][]fileIOV `yaml:"tags"`
}

// LoadFile reads a YAML (or JSON) conditions dump:
//
//	tags:
//	  SiPixelQuality_byPCL_prompt_v2:
//	    - since: 320500
//	      modules:
//	        - {det_id: 303042564, bad_rocs: 65535, reason: whole}
func LoadFile(path string) (*MemoryStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f conditionsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse conditions file %s: %w", path, err)
	}
	store := NewMemoryStore()
	for tag, iovs := range f.Tags {
		for _, iov := range iovs {
			store.Add(tag, iov.Since, iov.Modules)
		}
	}
	return store, nil
}
