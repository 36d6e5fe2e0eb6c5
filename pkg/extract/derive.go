package extract

import (
	"regexp"
	"strings"

	"github.com/OFFIS-RIT/okapi/pkg/common"
)

// maxCoOccurPairs bounds pairwise edge derivation for chunks with many
// entities.
const maxCoOccurPairs = 300

var sentenceEndRe = regexp.MustCompile(`[.!?]+\s+`)

// DeriveCoOccurrence emits pairwise CO_OCCURS relations for entities found
// in the same chunk. Confidence is the lower of the two endpoints'
// extraction confidences.
func DeriveCoOccurrence(entities []Entity) []Relation {
	var relations []Relation
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			if len(relations) >= maxCoOccurPairs {
				return relations
			}
			confidence := entities[i].Confidence
			if entities[j].Confidence < confidence {
				confidence = entities[j].Confidence
			}
			relations = append(relations, Relation{
				SourceName: entities[i].Name,
				TargetName: entities[j].Name,
				Relation:   common.RelationCoOccurs,
				Confidence: confidence,
			})
		}
	}
	return relations
}

// DeriveRoleAt emits ROLE_AT relations for every Role and Organization
// pair that appears within the same sentence of the chunk.
func DeriveRoleAt(text string, entities []Entity) []Relation {
	roles := filterByLabel(entities, common.LabelRole)
	orgs := filterByLabel(entities, common.LabelOrganization)
	if len(roles) == 0 || len(orgs) == 0 {
		return nil
	}

	var relations []Relation
	seen := map[string]struct{}{}
	for _, sentence := range splitIntoSentences(text) {
		lower := strings.ToLower(sentence)
		for _, role := range roles {
			if !strings.Contains(lower, strings.ToLower(role.Name)) {
				continue
			}
			for _, org := range orgs {
				if !strings.Contains(lower, strings.ToLower(org.Name)) {
					continue
				}
				key := common.NormalizeName(role.Name) + "|" + common.NormalizeName(org.Name)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				relations = append(relations, Relation{
					SourceName: role.Name,
					TargetName: org.Name,
					Relation:   common.RelationRoleAt,
					Confidence: minConfidence(role, org),
				})
			}
		}
	}
	return relations
}

// DeriveUsesTech emits USES_TECH relations from every Role or Organization
// to every Technology co-occurring in the same section.
func DeriveUsesTech(sectionEntities []Entity) []Relation {
	techs := filterByLabel(sectionEntities, common.LabelTechnology)
	if len(techs) == 0 {
		return nil
	}

	var relations []Relation
	seen := map[string]struct{}{}
	for _, entity := range sectionEntities {
		if entity.Label != common.LabelRole && entity.Label != common.LabelOrganization {
			continue
		}
		for _, tech := range techs {
			key := common.NormalizeName(entity.Name) + "|" + common.NormalizeName(tech.Name)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			relations = append(relations, Relation{
				SourceName: entity.Name,
				TargetName: tech.Name,
				Relation:   common.RelationUsesTech,
				Confidence: minConfidence(entity, tech),
			})
		}
	}
	return relations
}

func filterByLabel(entities []Entity, label string) []Entity {
	var out []Entity
	for _, entity := range entities {
		if entity.Label == label {
			out = append(out, entity)
		}
	}
	return out
}

func minConfidence(a, b Entity) float64 {
	if a.Confidence < b.Confidence {
		return a.Confidence
	}
	return b.Confidence
}

func splitIntoSentences(text string) []string {
	parts := sentenceEndRe.Split(text, -1)
	var sentences []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			sentences = append(sentences, part)
		}
	}
	return sentences
}
