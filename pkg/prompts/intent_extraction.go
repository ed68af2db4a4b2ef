package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

// IntentTurn is one prior exchange shown to the intent extractor.
type IntentTurn struct {
	Input   string
	Summary string
	SQL     string
}

// IntentTurnsFromHistory condenses recorded turns into what the extractor needs to resolve
// references such as "that" or "now by region".
func IntentTurnsFromHistory(turns []models.ConversationTurn) []IntentTurn {
	out := make([]IntentTurn, 0, len(turns))
	for _, t := range turns {
		if t.Input == "" {
			continue
		}
		it := IntentTurn{Input: t.Input}
		if t.Intent != nil {
			it.Summary = t.Intent.Summary()
		}
		if t.Candidate != nil {
			it.SQL = t.Candidate.Text
		}
		out = append(out, it)
	}
	return out
}

// BuildIntentExtractionPrompt creates the prompt that turns an utterance into a structured intent.
// Prior turns are included so follow-ups can be resolved against earlier questions.
func BuildIntentExtractionPrompt(utterance string, history []IntentTurn, now time.Time) string {
	var prompt strings.Builder

	prompt.WriteString("# Query Intent Extraction\n\n")
	prompt.WriteString(fmt.Sprintf("Today is %s.\n\n", now.Format("2006-01-02 (Monday)")))

	if len(history) > 0 {
		prompt.WriteString("## Conversation So Far\n\n")
		for i, h := range history {
			prompt.WriteString(fmt.Sprintf("%d. User: %s\n", i+1, h.Input))
			if h.Summary != "" {
				prompt.WriteString(fmt.Sprintf("   Intent: %s\n", h.Summary))
			}
			if h.SQL != "" {
				prompt.WriteString(fmt.Sprintf("   SQL: %s\n", h.SQL))
			}
		}
		prompt.WriteString("\n")
		prompt.WriteString("The new request may refer to earlier ones (\"that\", \"now by region\", \"same for last month\"). ")
		prompt.WriteString("Carry over entities, measure and time range from the conversation unless the new request replaces them.\n\n")
	}

	prompt.WriteString("## Request\n\n")
	prompt.WriteString(utterance)
	prompt.WriteString("\n\n")

	prompt.WriteString("## Output Format\n\n")
	prompt.WriteString("Respond in JSON with:\n")
	prompt.WriteString("- `entities`: business objects the request is about, e.g. [\"orders\", \"customers\"]\n")
	prompt.WriteString("- `measure`: the quantity being reported, e.g. \"sales\" (empty if none)\n")
	prompt.WriteString("- `aggregation`: one of \"none\", \"sum\", \"avg\", \"count\", \"count_distinct\", \"min\", \"max\"\n")
	prompt.WriteString("- `time_grain`: bucket for time series, one of \"day\", \"week\", \"month\", \"quarter\", \"year\" (empty if none)\n")
	prompt.WriteString("- `group_by`: non-time grouping keys, e.g. [\"region\"]\n")
	prompt.WriteString("- `filters`: array of {\"field\", \"operator\", \"value\"}\n")
	prompt.WriteString("- `time_range`: null, or an object with either `last_amount` + `last_unit` for trailing windows ")
	prompt.WriteString("(\"last year\" is 1 year) or `start` / `end` dates as YYYY-MM-DD (end exclusive), plus `phrase` with the original words\n")
	prompt.WriteString("- `limit`: N for top-N requests, otherwise 0\n")
	prompt.WriteString("- `rationale`: one sentence on how you read the request\n\n")

	prompt.WriteString("Use empty values when the request does not mention something. Do not invent entities.\n\n")

	prompt.WriteString("Example:\n")
	prompt.WriteString("```json\n")
	prompt.WriteString(`{
  "entities": ["orders"],
  "measure": "sales",
  "aggregation": "sum",
  "time_grain": "month",
  "group_by": [],
  "filters": [],
  "time_range": {"last_amount": 1, "last_unit": "year", "phrase": "last year"},
  "limit": 0,
  "rationale": "Monthly total of order amounts over the trailing year."
}
`)
	prompt.WriteString("```\n\n")
	prompt.WriteString("Return ONLY the JSON, no additional text.\n")

	return prompt.String()
}

// BuildIntentExtractionSystemMessage returns the system message for intent extraction.
func BuildIntentExtractionSystemMessage() string {
	return `You are an analytics assistant. You read business questions about a data warehouse and extract what is being asked as structured JSON. You never write SQL in this step.`
}
