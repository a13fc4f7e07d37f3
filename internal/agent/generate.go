package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/PaperAgent/internal/retrieval"
	"github.com/wwwzy/PaperAgent/internal/tools"
)

const (
	toolTextLimit  = 4000
	toolTotalLimit = 12000
)

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// generate 流式生成最终答案，并从答案中抽取引用标记。
func (r *Runner) generate(ctx context.Context, st *AgentState, emit Emitter) error {
	guidance := guidanceNormal
	if st.Metadata.BestEffort {
		guidance = guidanceBestEffort
	}
	vars := map[string]any{
		"guidance":     guidance,
		"sources":      renderSources(st.RelevantChunks),
		"tool_results": renderToolOutputs(st.ToolOutputs),
		"history":      st.ConversationHistory,
		"query":        st.OriginalQuery,
	}

	sr, err := r.generateChain.Stream(ctx, vars)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	defer sr.Close()

	var b strings.Builder
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("generate: stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		b.WriteString(chunk.Content)
		emit.emit(Event{Type: EventToken, ThreadID: st.ThreadID, Node: NodeGenerate, Content: chunk.Content})
	}

	st.Answer = strings.TrimSpace(b.String())
	if st.Answer == "" {
		return fmt.Errorf("generate: %w: empty answer", errInvalidModelResponse)
	}
	st.Citations = extractCitations(st.Answer, st.RelevantChunks)
	st.Messages = append(st.Messages, schema.AssistantMessage(st.Answer, nil))
	return nil
}

// renderSources 把检索证据渲染成带编号的来源段落，编号与答案中的 [n] 对应。
func renderSources(chunks []retrieval.Result) string {
	if len(chunks) == 0 {
		return noSources
	}
	return tools.FormatPassages(chunks)
}

// renderToolOutputs 按工具分组渲染非检索类工具的输出；没有 prompt_text 时回退到 JSON。
func renderToolOutputs(outputs []ToolOutput) string {
	var (
		order  []string
		groups = map[string][]string{}
	)
	for _, o := range outputs {
		if o.ToolName == tools.NameRetrieveChunks {
			continue
		}
		text := o.PromptText
		if text == "" {
			text = string(o.Data)
		}
		if text == "" {
			continue
		}
		if _, ok := groups[o.ToolName]; !ok {
			order = append(order, o.ToolName)
		}
		groups[o.ToolName] = append(groups[o.ToolName], clip(text, toolTextLimit))
	}
	if len(order) == 0 {
		return noToolResults
	}

	var b strings.Builder
	for _, name := range order {
		fmt.Fprintf(&b, "## %s\n", name)
		for _, text := range groups[name] {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	}
	return clip(strings.TrimSpace(b.String()), toolTotalLimit)
}

// extractCitations 只保留编号落在来源范围内的标记，按首次出现顺序去重。
func extractCitations(answer string, chunks []retrieval.Result) []Citation {
	var out []Citation
	seen := map[int]bool{}
	for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(chunks) || seen[n] {
			continue
		}
		seen[n] = true
		c := chunks[n-1]
		out = append(out, Citation{Marker: n, ChunkID: c.ChunkID, ArxivID: c.ArxivID, Title: c.Title})
	}
	return out
}

func sourcesOf(chunks []retrieval.Result) []Citation {
	if len(chunks) == 0 {
		return nil
	}
	out := make([]Citation, 0, len(chunks))
	for i, c := range chunks {
		out = append(out, Citation{Marker: i + 1, ChunkID: c.ChunkID, ArxivID: c.ArxivID, Title: c.Title})
	}
	return out
}
