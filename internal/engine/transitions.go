package engine

import "becoin/internal/domain"

const (
	opAdd      = "add"
	opStart    = "start"
	opComplete = "complete"
	opPause    = "pause"
	opResume   = "resume"
)

type stageMove struct {
	from domain.Stage
	to   domain.Stage
}

// stageMoves is the whole project state machine. completed is terminal.
var stageMoves = map[string]stageMove{
	opStart:    {from: domain.StagePipeline, to: domain.StageActive},
	opComplete: {from: domain.StageActive, to: domain.StageCompleted},
	opPause:    {from: domain.StageActive, to: domain.StagePaused},
	opResume:   {from: domain.StagePaused, to: domain.StageActive},
}

func ensureStageTransition(p domain.Project, op string) (domain.Stage, error) {
	move, ok := stageMoves[op]
	if !ok || p.Stage != move.from {
		return p.Stage, &StageError{ProjectID: p.ID, Op: op, Stage: p.Stage, Want: move.from}
	}
	return move.to, nil
}

// CanTransition reports whether a project may move between two stages by any
// single operation.
func CanTransition(from, to domain.Stage) bool {
	for _, move := range stageMoves {
		if move.from == from && move.to == to {
			return true
		}
	}
	return false
}
