package metadata

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
)

const (
	// MaxContentBytes bounds document content.
	MaxContentBytes = 50 * 1024

	// MaxLevelLen bounds each hierarchy level string.
	MaxLevelLen = 100

	// HistoryLimit caps version_history length; oldest entries drop first.
	HistoryLimit = 10
)

var (
	// ErrInvalid indicates a validation failure of the incoming metadata.
	ErrInvalid = errors.New("invalid metadata")

	// ErrVersionConflict indicates a caller-supplied version that is not
	// prior+1.
	ErrVersionConflict = errors.New("version conflict")
)

// levelKeys are the six hierarchy level slots.
var levelKeys = [6]string{"level_1", "level_2", "level_3", "level_4", "level_5", "level_6"}

// timestampKeys are validated as ISO-8601 when present as strings.
var timestampKeys = [3]string{"createdAt", "lastUpdated", "timestamp"}

// changeSkipKeys are bookkeeping fields excluded from change detection.
var changeSkipKeys = map[string]bool{
	"version":         true,
	"lastUpdated":     true,
	"version_history": true,
}

// ComposeVersion is the pure write-side transformation: given the incoming
// metadata and the prior stored record (nil on first write), it validates,
// synthesizes hierarchy levels, computes the change set, appends version
// history, and returns the record to persist.
func ComposeVersion(next Record, prior Record, now time.Time) (Record, error) {
	if err := validate(next, prior); err != nil {
		return nil, err
	}

	rec := next.Clone()
	if rec == nil {
		rec = Record{}
	}

	// Hierarchy levels and createdAt survive across versions unless the
	// caller overrides them.
	for _, k := range levelKeys {
		if _, ok := rec[k]; !ok {
			if v, ok := prior[k]; ok {
				rec[k] = v
			}
		}
	}
	synthesizeLevels(rec)

	priorVersion := versionOf(prior)
	changes := ChangeSet(prior, rec)

	if prior != nil {
		entry := map[string]any{
			"version":   priorVersion,
			"timestamp": prior["lastUpdated"],
			"changes":   changes,
		}
		history := historyOf(prior)
		history = append(history, entry)
		if len(history) > HistoryLimit {
			history = history[len(history)-HistoryLimit:]
		}
		rec["version_history"] = history
	}

	nowISO := now.UTC().Format(time.RFC3339)
	rec["version"] = priorVersion + 1
	rec["lastUpdated"] = nowISO
	if created, ok := prior["createdAt"]; ok {
		rec["createdAt"] = created
	} else {
		rec["createdAt"] = nowISO
	}
	return rec, nil
}

func validate(next Record, prior Record) error {
	docID, ok := next["doc_id"]
	if !ok {
		return apperr.Wrap(apperr.KindMetadataInvalid, ErrInvalid, "doc_id is required")
	}
	if id, ok := docID.(string); !ok || id == "" {
		return apperr.Wrap(apperr.KindMetadataInvalid, ErrInvalid, "doc_id must be a non-empty string")
	}

	for _, key := range []string{"content", "original_text"} {
		v, ok := next[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return apperr.Wrap(apperr.KindMetadataInvalid, ErrInvalid, key+" must be a string")
		}
		if len(s) > MaxContentBytes {
			return apperr.Wrap(apperr.KindMetadataInvalid, ErrInvalid,
				fmt.Sprintf("%s exceeds %d bytes", key, MaxContentBytes))
		}
	}

	for _, key := range levelKeys {
		v, ok := next[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return apperr.Wrap(apperr.KindMetadataInvalid, ErrInvalid, key+" must be a string")
		}
		if len(s) > MaxLevelLen {
			return apperr.Wrap(apperr.KindMetadataInvalid, ErrInvalid,
				fmt.Sprintf("%s exceeds %d characters", key, MaxLevelLen))
		}
	}

	for _, key := range timestampKeys {
		v, ok := next[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return apperr.Wrap(apperr.KindMetadataInvalid, ErrInvalid, key+" must be an ISO-8601 string")
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return apperr.Wrap(apperr.KindMetadataInvalid, ErrInvalid, key+" is not ISO-8601")
		}
	}

	if supplied, ok := next["version"]; ok {
		v, ok := asInt(supplied)
		if !ok {
			return apperr.Wrap(apperr.KindMetadataInvalid, ErrInvalid, "version must be an integer")
		}
		if v != versionOf(prior)+1 {
			return apperr.Wrap(apperr.KindVersionConflict, ErrVersionConflict,
				fmt.Sprintf("supplied version %d, expected %d", v, versionOf(prior)+1))
		}
	}
	return nil
}

// synthesizeLevels fills null hierarchy slots from recognized metadata keys.
// level_1 is always populated.
func synthesizeLevels(rec Record) {
	if isUnset(rec, "level_1") {
		rec["level_1"] = firstString(rec, "doc_type", "category", "source")
		if rec["level_1"] == "" {
			rec["level_1"] = "document"
		}
	}
	if isUnset(rec, "level_2") {
		if v := firstString(rec, "tag"); v != "" {
			rec["level_2"] = v
		}
	}
	if isUnset(rec, "level_3") {
		if v := firstString(rec, "author"); v != "" {
			rec["level_3"] = v
		}
	}
	if isUnset(rec, "level_4") {
		if y, ok := rec["year"]; ok && y != nil {
			rec["level_4"] = fmt.Sprintf("%v", y)
		}
	}
	if isUnset(rec, "level_5") {
		if v := firstString(rec, "language"); v != "" {
			rec["level_5"] = v
		}
	}
	if isUnset(rec, "level_6") {
		if v := firstString(rec, "format"); v != "" {
			rec["level_6"] = v
		}
	}
}

// ChangeSet computes the ordered change descriptors between two records,
// skipping bookkeeping keys: added:K, removed:K, modified:K.
func ChangeSet(old, new Record) []string {
	changes := make([]string, 0)

	keys := make([]string, 0, len(new))
	for k := range new {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if changeSkipKeys[k] {
			continue
		}
		oldV, inOld := old[k]
		if !inOld {
			changes = append(changes, "added:"+k)
		} else if !reflect.DeepEqual(oldV, new[k]) {
			changes = append(changes, "modified:"+k)
		}
	}

	removed := make([]string, 0)
	for k := range old {
		if changeSkipKeys[k] {
			continue
		}
		if _, inNew := new[k]; !inNew {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		changes = append(changes, "removed:"+k)
	}
	return changes
}

func versionOf(rec Record) int64 {
	if rec == nil {
		return 0
	}
	if v, ok := asInt(rec["version"]); ok {
		return v
	}
	return 0
}

func historyOf(rec Record) []any {
	raw, ok := rec["version_history"]
	if !ok {
		return []any{}
	}
	if h, ok := raw.([]any); ok {
		out := make([]any, len(h))
		copy(out, h)
		return out
	}
	return []any{}
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func isUnset(rec Record, key string) bool {
	v, ok := rec[key]
	return !ok || v == nil || v == ""
}

func firstString(rec Record, keys ...string) string {
	for _, k := range keys {
		if v, ok := rec[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
