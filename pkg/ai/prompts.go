package ai

const ExtractPrompt = `
# Task Context
You are a helpful assistant specialized in extracting entities and relationships from text for a knowledge graph.

# Detailed Task Description & Rules
- Identify every distinct named entity mentioned in the text.
- Classify each entity with exactly one of the following labels: %s
- Use "Entity" when no more specific label fits.
- Identify relationships between the extracted entities. Relations are short upper-case verb phrases (e.g. "FOUNDED", "PARTNERS_WITH").
- Assign each relationship a confidence between 0.0 and 1.0 reflecting how explicitly the text supports it.
- Only relate entities that appear in your extracted entity list.
- Do not invent entities or relationships that are not supported by the text.

# Immediate Task Description or Request
Return a JSON object with the extracted entities and relationships for the provided text.
`

const AnswerPrompt = `
# Task Context
You are a helpful assistant answering questions over a knowledge graph. You will be provided with retrieved context passages.

# Background Data
%s

# Detailed Task Description & Rules
- Answer the question using ONLY the provided passages.
- If the passages do not contain the answer, say that the indexed documents do not cover the question. Do not speculate.
- Keep the answer concise and factual.

# Immediate Task Description or Request
Answer the following question based on the passages above.
`

const ClusterSummaryPrompt = `
# Task Context
You are a helpful assistant labeling clusters of related entities in a knowledge graph.

# Background Data
Top terms: %s
Sample entities: %s

# Detailed Task Description & Rules
- Produce a label of at most 12 words naming what this cluster is about.
- Produce a summary of exactly 2 sentences describing the cluster.
- Base both strictly on the provided terms and entity names.

# Immediate Task Description or Request
Return a JSON object with the label and summary for this cluster.
`
