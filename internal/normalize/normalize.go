package normalize

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/stoewer/go-strcase"
)

// Record is a record keyed by canonical field names.
type Record map[string]any

// Stats counts what normalization did with the fields it saw.
type Stats struct {
	Records  int
	Fields   int
	Mapped   int
	Unmapped int
	// UnmappedKeys counts each unmapped source key.
	UnmappedKeys map[string]int
}

// UnmappedRatio returns Unmapped / Fields, or zero when no fields were seen.
func (s Stats) UnmappedRatio() float64 {
	if s.Fields == 0 {
		return 0
	}
	return float64(s.Unmapped) / float64(s.Fields)
}

// Merge adds o into s.
func (s *Stats) Merge(o Stats) {
	s.Records += o.Records
	s.Fields += o.Fields
	s.Mapped += o.Mapped
	s.Unmapped += o.Unmapped
	if len(o.UnmappedKeys) > 0 && s.UnmappedKeys == nil {
		s.UnmappedKeys = make(map[string]int, len(o.UnmappedKeys))
	}
	for k, n := range o.UnmappedKeys {
		s.UnmappedKeys[k] += n
	}
}

// TopUnmapped returns up to n unmapped keys, most frequent first.
func (s Stats) TopUnmapped(n int) []string {
	keys := slices.Collect(maps.Keys(s.UnmappedKeys))
	slices.SortFunc(keys, func(a, b string) int {
		if d := s.UnmappedKeys[b] - s.UnmappedKeys[a]; d != 0 {
			return d
		}
		return cmp.Compare(a, b)
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Normalize renames every record's fields through t. It does not modify raw and holds
// no state: the same input always yields the same output. Mapped keys win over keys
// derived by the SnakeCase policy.
func Normalize(raw []map[string]any, t *Table) ([]Record, Stats) {
	out := make([]Record, 0, len(raw))
	stats := Stats{UnmappedKeys: map[string]int{}}

	for _, rec := range raw {
		out = append(out, normalizeOne(rec, t, &stats))
	}
	stats.Records = len(raw)

	return out, stats
}

func normalizeOne(rec map[string]any, t *Table, stats *Stats) Record {
	norm := make(Record, len(rec))
	keys := slices.Sorted(maps.Keys(rec))

	var unmapped []string
	for _, k := range keys {
		stats.Fields++
		if canonical, ok := t.bySource[k]; ok {
			norm[canonical] = rec[k]
			stats.Mapped++
			continue
		}
		stats.Unmapped++
		stats.UnmappedKeys[k]++
		unmapped = append(unmapped, k)
	}

	if t.policy == SnakeCase {
		for _, k := range unmapped {
			name := strcase.SnakeCase(k)
			if _, taken := norm[name]; taken {
				continue
			}
			norm[name] = rec[k]
		}
	}

	return norm
}

// Identity returns a stable id for rec: the idField value when present, otherwise the
// SHA-256 of the record's canonical JSON.
func Identity(rec Record, idField string) (string, error) {
	if idField != "" {
		switch v := rec[idField].(type) {
		case nil:
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		default:
			return fmt.Sprint(v), nil
		}
	}

	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
