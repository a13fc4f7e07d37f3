package agent

import "github.com/wwwzy/PaperAgent/internal/tools"

// NodeID 标识状态机中的节点。
type NodeID string

const (
	NodeClassify      NodeID = "classify"
	NodeExecute       NodeID = "execute"
	NodeGrade         NodeID = "grade"
	NodeGenerate      NodeID = "generate"
	NodeRefuse        NodeID = "refuse"
	NodeConfirmIngest NodeID = "confirm_ingest"
	NodeEnd           NodeID = "end"
)

// best-effort 的原因，写入 metadata。
const (
	reasonIterationLimit     = "iteration_limit"
	reasonRetrievalExhausted = "retrieval_exhausted"
)

// next 是状态机的转移函数：根据刚完成的节点与节点写入的状态决定下一个节点。
//
//	classify -> refuse | generate | execute
//	execute  -> confirm_ingest | grade | classify
//	grade    -> execute（改写重试） | generate
//	confirm_ingest -> grade（挂起的批次里有检索） | generate
//	generate, refuse -> end
func next(st *AgentState, from NodeID) NodeID {
	switch from {
	case NodeClassify:
		switch {
		case st.Metadata.BestEffortReason == reasonIterationLimit:
			return NodeGenerate
		case st.Classification != nil && st.Classification.Intent == IntentOutOfScope:
			return NodeRefuse
		case len(st.PendingCalls) > 0:
			return NodeExecute
		default:
			return NodeGenerate
		}
	case NodeExecute:
		switch {
		case st.PauseReason != "":
			return NodeConfirmIngest
		case st.ranInLastBatch(tools.NameRetrieveChunks):
			return NodeGrade
		default:
			return NodeClassify
		}
	case NodeGrade:
		if len(st.PendingCalls) > 0 {
			return NodeExecute
		}
		return NodeGenerate
	case NodeConfirmIngest:
		// 挂起时跳过了对同批次检索结果的评估，恢复后补上。
		if st.ranInLastBatch(tools.NameRetrieveChunks) {
			return NodeGrade
		}
		return NodeGenerate
	default:
		return NodeEnd
	}
}

// interrupts 为执行前需要外部输入的节点；进入这些节点前执行会挂起。
var interrupts = map[NodeID]bool{
	NodeConfirmIngest: true,
}
