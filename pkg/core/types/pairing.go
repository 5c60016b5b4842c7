package types

// PendingToolResult is the placeholder content used for a call whose job has
// not completed when a request is built.
const PendingToolResult = `{"status":"pending"}`

// PairToolResults reorders turns so every assistant tool call is immediately
// followed by its result, as chat providers require.
//
// Results are taken from wherever they appear later in the history. Calls with
// no result yet get a PendingToolResult placeholder. Results whose call is not
// present are dropped. All other turns keep their relative order.
func PairToolResults(turns []Turn) []Turn {
	if len(turns) == 0 {
		return nil
	}

	results := make(map[string]Turn)
	calls := make(map[string]struct{})
	for _, t := range turns {
		switch t.Role {
		case RoleTool:
			if t.ToolCallID != "" {
				if _, seen := results[t.ToolCallID]; !seen {
					results[t.ToolCallID] = t
				}
			}
		case RoleAssistant:
			for _, c := range t.ToolCalls {
				calls[c.ID] = struct{}{}
			}
		}
	}

	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleTool:
			// emitted next to its call
			continue
		case RoleAssistant:
			out = append(out, t)
			for _, c := range t.ToolCalls {
				if r, ok := results[c.ID]; ok {
					out = append(out, r)
					continue
				}
				out = append(out, ToolResultTurn(c.ID, c.Name, PendingToolResult, t.GenerationID, t.At))
			}
		default:
			out = append(out, t)
		}
	}
	return out
}
