package store

import (
	"fmt"

	"github.com/OFFIS-RIT/okapi/pkg/common"
)

// MergeNode applies the upsert merge semantics shared by every backend:
// properties are unioned (incoming wins per key, source_ids are appended
// as a set), the embedding is only replaced when the stored one is empty
// and the incoming one is not, and a label mismatch on the same identity
// is an integrity violation.
func MergeNode(existing *common.Node, incoming common.Node) error {
	if existing.Label != incoming.Label {
		return fmt.Errorf("%w: node %s has label %s, incoming %s", ErrIntegrity, existing.ID, existing.Label, incoming.Label)
	}

	if existing.Properties == nil {
		existing.Properties = map[string]any{}
	}
	for k, v := range incoming.Properties {
		if k == "source_ids" {
			existing.Properties[k] = unionStrings(existing.Properties[k], v)
			continue
		}
		existing.Properties[k] = v
	}

	if len(existing.Embedding) == 0 && len(incoming.Embedding) > 0 {
		existing.Embedding = incoming.Embedding
	}

	return nil
}

// MergeEdge keeps the higher confidence and unions properties; the weight
// property follows the winning confidence.
func MergeEdge(existing *common.Edge, incoming common.Edge) {
	if existing.Properties == nil {
		existing.Properties = map[string]any{}
	}
	for k, v := range incoming.Properties {
		if k == "weight" && incoming.Confidence < existing.Confidence {
			continue
		}
		if k == "source_ids" {
			existing.Properties[k] = unionStrings(existing.Properties[k], v)
			continue
		}
		existing.Properties[k] = v
	}

	if incoming.Confidence > existing.Confidence {
		existing.Confidence = incoming.Confidence
	}
}

func unionStrings(current, incoming any) []string {
	seen := map[string]struct{}{}
	out := []string{}

	appendAll := func(v any) {
		switch vv := v.(type) {
		case []string:
			for _, s := range vv {
				if _, ok := seen[s]; !ok {
					seen[s] = struct{}{}
					out = append(out, s)
				}
			}
		case []any:
			for _, e := range vv {
				if s, ok := e.(string); ok {
					if _, ok := seen[s]; !ok {
						seen[s] = struct{}{}
						out = append(out, s)
					}
				}
			}
		case string:
			if _, ok := seen[vv]; !ok {
				seen[vv] = struct{}{}
				out = append(out, vv)
			}
		}
	}

	appendAll(current)
	appendAll(incoming)
	return out
}
