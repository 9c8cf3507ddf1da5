package engine

import "github.com/PragmaticMachineLearning/probly/internal/grid"

// Frame is one discrete unit of a streamed turn. Frames with Streaming true
// carry incremental text only; exactly one frame per turn has Streaming
// false and is the authoritative terminal result.
type Frame struct {
	SessionID               string                   `json:"session_id"`
	TurnID                  string                   `json:"turn_id"`
	Response                string                   `json:"response,omitempty"`
	Streaming               bool                     `json:"streaming"`
	Updates                 []grid.CellEdit          `json:"updates,omitempty"`
	ChartData               *ChartSpec               `json:"chartData,omitempty"`
	SheetOperation          *SheetOperation          `json:"sheetOperation,omitempty"`
	DataSelectionResult     *DataSelectionDescriptor `json:"dataSelectionResult,omitempty"`
	StructureAnalysisResult *grid.StructureSummary   `json:"structureAnalysisResult,omitempty"`
	AnalysisTrace           *AnalysisTrace           `json:"analysisTrace,omitempty"`
	Error                   string                   `json:"error,omitempty"`
}

// ChartSpec describes a chart for the host to render.
type ChartSpec struct {
	Type  string     `json:"type"`
	Title string     `json:"title,omitempty"`
	Data  [][]string `json:"data"`
}

// SheetOperation is a pure metadata operation applied by the host.
type SheetOperation struct {
	Action  string `json:"action"`
	Sheet   string `json:"sheet,omitempty"`
	NewName string `json:"newName,omitempty"`
}

// AnalysisTrace records what the assistant ran in the sandbox so the host
// can show it alongside the answer.
type AnalysisTrace struct {
	Code     string `json:"code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	TimedOut bool   `json:"timedOut"`
}

// frameSink receives frames in generation order. The RPC layer backs it with
// notifications; tests back it with a slice.
type frameSink func(Frame)

func (e *Engine) frameSinkFor(sessionID, turnID string) frameSink {
	return func(frame Frame) {
		frame.SessionID = sessionID
		frame.TurnID = turnID
		if e.notify != nil {
			e.notify("chat.frame", frame)
		}
	}
}
