package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/okapi/pkg/common"
)

// maxHeuristicEntities bounds runaway extraction on pathological input.
const maxHeuristicEntities = 80

var knownTechTerms = map[string]struct{}{
	"kafka": {}, "kubernetes": {}, "docker": {}, "python": {}, "golang": {},
	"java": {}, "rust": {}, "react": {}, "angular": {}, "postgres": {},
	"postgresql": {}, "mysql": {}, "sqlite": {}, "redis": {}, "neo4j": {},
	"mongodb": {}, "elasticsearch": {}, "terraform": {}, "spark": {},
	"airflow": {}, "tensorflow": {}, "pytorch": {}, "graphql": {},
	"typescript": {}, "javascript": {}, "aws": {}, "azure": {}, "gcp": {},
	"linux": {}, "grafana": {}, "prometheus": {}, "rabbitmq": {},
}

var (
	techSuffixRe    = regexp.MustCompile(`(?i)(\.js|\.py|\.go|DB|SQL|SDK|API|ML)$`)
	orgSuffixRe     = regexp.MustCompile(`(?i)\b(Inc\.?|Ltd\.?|Corp\.?|Corporation|GmbH|AG|LLC|University|Institute|Labs)$`)
	roleRe          = regexp.MustCompile(`^([A-Z][a-z]+ )?[A-Z][a-z]+ (Engineer|Manager|Scientist|Developer|Architect|Analyst|Director)$`)
	achievementRe   = regexp.MustCompile(`(?i)\b(launched|shipped|led|awarded|built|delivered)\s+((?:[A-Za-z0-9][\w-]*\s?){1,5})`)
	capitalWordRe   = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]{2,}\b`)
	acronymRe       = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
	capitalPhraseRe = regexp.MustCompile(`\b[A-Z][A-Za-z0-9&-]*(?:\s+[A-Z][A-Za-z0-9&-]*){1,4}\b`)
	techTokenRe     = regexp.MustCompile(`\b[A-Z][A-Za-z0-9-]*\.(?:js|py|go|net)\b`)
	worksAtRe       = regexp.MustCompile(`\b([A-Z][a-zA-Z]+)\s+works?(?:ed)?\s+at\s+([A-Z][\w.&-]+)`)
	atOrgRe         = regexp.MustCompile(`\b(?:at|for|joined)\s+([A-Z][\w.&-]+)`)
)

var stopwords = map[string]struct{}{
	"the": {}, "this": {}, "that": {}, "these": {}, "those": {}, "with": {},
	"from": {}, "into": {}, "about": {}, "after": {}, "before": {}, "while": {},
	"where": {}, "when": {}, "what": {}, "which": {}, "their": {}, "there": {},
	"they": {}, "will": {}, "would": {}, "should": {}, "could": {}, "have": {},
	"has": {}, "had": {}, "and": {}, "but": {}, "for": {}, "not": {},
}

// heuristicExtract is the deterministic fallback path. It finds
// capitalized words, acronyms and capitalized multi-word phrases, then
// classifies them with pattern families. The same text always yields the
// same result.
func heuristicExtract(text string) *Result {
	out := &Result{ModeUsed: ModeHeuristic}

	type candidate struct {
		name  string
		label string
	}
	var ordered []candidate
	seen := map[string]struct{}{}

	add := func(name, label string) {
		name = strings.TrimSpace(strings.Trim(name, ".,;:"))
		if name == "" {
			return
		}
		if _, stop := stopwords[strings.ToLower(name)]; stop {
			return
		}
		key := common.NormalizeName(name)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		ordered = append(ordered, candidate{name: name, label: label})
	}

	// Achievement objects first: they lose to the generic word patterns
	// otherwise.
	for _, match := range achievementRe.FindAllStringSubmatch(text, -1) {
		object := strings.TrimSpace(match[2])
		if object != "" {
			add(object, common.LabelAchievement)
		}
	}

	// Dotted technology tokens next: the word patterns below stop at dots.
	for _, token := range techTokenRe.FindAllString(text, -1) {
		add(token, common.LabelTechnology)
	}

	// Multi-word phrases next so "Acme Corp" wins over "Acme" + "Corp".
	for _, phrase := range capitalPhraseRe.FindAllString(text, -1) {
		tokens := strings.Fields(phrase)
		if len(tokens) < 2 || len(tokens) > 5 {
			continue
		}
		add(phrase, classifyEntity(phrase))
	}
	for _, word := range capitalWordRe.FindAllString(text, -1) {
		add(word, classifyEntity(word))
	}
	for _, acronym := range acronymRe.FindAllString(text, -1) {
		add(acronym, classifyEntity(acronym))
	}

	// Context refinement: "X works at Y" marks X as a role holder and Y
	// as an organization even without a suffix pattern.
	refine := map[string]string{}
	for _, match := range worksAtRe.FindAllStringSubmatch(text, -1) {
		refine[common.NormalizeName(match[1])] = common.LabelRole
		refine[common.NormalizeName(strings.TrimRight(match[2], "."))] = common.LabelOrganization
	}
	for _, match := range atOrgRe.FindAllStringSubmatch(text, -1) {
		key := common.NormalizeName(strings.TrimRight(match[1], "."))
		if _, ok := refine[key]; !ok {
			refine[key] = common.LabelOrganization
		}
	}

	for i, c := range ordered {
		if i >= maxHeuristicEntities {
			break
		}
		label := c.label
		if refined, ok := refine[common.NormalizeName(c.name)]; ok && label == common.LabelEntity {
			label = refined
		}
		out.Entities = append(out.Entities, Entity{
			Name:       c.name,
			Label:      label,
			Confidence: heuristicEntityConfidence,
		})
	}

	return out
}

func classifyEntity(name string) string {
	lower := strings.ToLower(name)
	if _, ok := knownTechTerms[lower]; ok {
		return common.LabelTechnology
	}
	if techSuffixRe.MatchString(name) && !isAllUpper(name) {
		return common.LabelTechnology
	}
	if orgSuffixRe.MatchString(name) {
		return common.LabelOrganization
	}
	if roleRe.MatchString(name) {
		return common.LabelRole
	}
	return common.LabelEntity
}

func isAllUpper(name string) bool {
	hasLetter := false
	for _, r := range name {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}
