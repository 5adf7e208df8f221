// Workload specs for cache replay. Loaded from YAML; a spec describes
// client populations whose requests share prompt prefixes, the traffic
// shape that makes a prefix cache interesting.

package workload

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Spec is the top-level replay configuration. Loaded via LoadSpec(path).
type Spec struct {
	Seed    int64        `yaml:"seed"`
	Clients []ClientSpec `yaml:"clients"`
}

// ClientSpec defines one client population. Clients naming the same
// prefix_group share the same generated prefix tokens, so their requests
// hit each other's cached blocks.
type ClientSpec struct {
	ID           string `yaml:"id"`
	NumRequests  int    `yaml:"num_requests"`
	PrefixGroup  string `yaml:"prefix_group,omitempty"`
	PrefixTokens int    `yaml:"prefix_tokens"`
	SuffixTokens int    `yaml:"suffix_tokens"`
	DecodeTokens int    `yaml:"decode_tokens"`
	CacheSalt    string `yaml:"cache_salt,omitempty"`
	SkipCaching  bool   `yaml:"skip_caching,omitempty"`

	Multimodal *MultimodalSpec `yaml:"multimodal,omitempty"`
}

// MultimodalSpec makes each request carry placeholder spans with content
// hashes, exercising the extra-key path of the hash chain.
type MultimodalSpec struct {
	Segments      int  `yaml:"segments"`
	SegmentTokens int  `yaml:"segment_tokens"`
	SharedContent bool `yaml:"shared_content"` // same content hash across the client's requests
}

// LoadSpec reads and validates a YAML workload spec.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workload spec: %w", err)
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing workload spec %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload spec %s: %w", path, err)
	}
	return &spec, nil
}

// Validate checks the spec for structural errors.
func (s *Spec) Validate() error {
	if len(s.Clients) == 0 {
		return fmt.Errorf("spec has no clients")
	}
	seen := make(map[string]bool)
	for i, c := range s.Clients {
		if c.ID == "" {
			return fmt.Errorf("client %d: id is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("client %d: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		if c.NumRequests <= 0 {
			return fmt.Errorf("client %q: num_requests must be positive, got %d", c.ID, c.NumRequests)
		}
		if c.PrefixTokens < 0 || c.SuffixTokens < 0 || c.DecodeTokens < 0 {
			return fmt.Errorf("client %q: token counts must be non-negative", c.ID)
		}
		if c.PrefixTokens+c.SuffixTokens == 0 {
			return fmt.Errorf("client %q: requests would be empty", c.ID)
		}
		if m := c.Multimodal; m != nil {
			if m.Segments <= 0 || m.SegmentTokens <= 0 {
				return fmt.Errorf("client %q: multimodal segments and segment_tokens must be positive", c.ID)
			}
		}
	}
	return nil
}
