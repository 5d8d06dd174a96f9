package agent

import "github.com/felixgeelhaar/insight/internal/gateway"

// suggestFollowups proposes up to three next questions based on which tools
// the response exercised.
func suggestFollowups(toolsUsed map[string]int) []string {
	var suggestions []string
	if toolsUsed[gateway.ToolQuery] > 0 {
		suggestions = append(suggestions,
			"Break this down by a different dimension, such as region or month",
			"Compare this result with the previous period")
	}
	if toolsUsed[gateway.ToolRetrieve] > 0 {
		suggestions = append(suggestions,
			"Ask how this metric is calculated")
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions,
			"Ask about revenue, customers, or another business metric")
	}
	if toolsUsed[gateway.ToolSaveMemory] == 0 && len(suggestions) < 3 {
		suggestions = append(suggestions,
			"Ask me to remember anything worth keeping for next time")
	}
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	return suggestions
}
