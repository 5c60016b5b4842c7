package session

import "github.com/vango-go/vai-callbridge/pkg/core/types"

// history is the append-only conversation for one call. Only the
// orchestrator loop touches it.
type history struct {
	turns []types.Turn
}

func newHistory() *history {
	return &history{turns: make([]types.Turn, 0, 32)}
}

func (h *history) append(t types.Turn) {
	if t.IsEmpty() && t.Role != types.RoleTool {
		return
	}
	h.turns = append(h.turns, t)
}

// snapshot copies the last maxTurns turns, or all of them when maxTurns <= 0.
func (h *history) snapshot(maxTurns int) []types.Turn {
	start := 0
	if maxTurns > 0 && len(h.turns) > maxTurns {
		start = len(h.turns) - maxTurns
	}
	out := make([]types.Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}
