package ingest

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators 由大到小的切分层级：段落、行、句子、单词。
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// Splitter 递归地按分隔符层级切分文本，再按 size 合并相邻片段，相邻块之间保留 overlap 字节的重叠。
type Splitter struct {
	size       int
	overlap    int
	separators []string
}

func NewSplitter(size int, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultConfig().ChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Splitter{size: size, overlap: overlap, separators: DefaultSeparators}
}

// Split 返回切分后的块，每块长度不超过 size。
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.merge(s.split(text, s.separators))
}

func (s *Splitter) split(text string, separators []string) []string {
	if len(text) <= s.size {
		return []string{text}
	}
	if len(separators) == 0 {
		return hardSplit(text, s.size)
	}
	sep := separators[0]
	if !strings.Contains(text, sep) {
		return s.split(text, separators[1:])
	}

	var out []string
	for _, part := range strings.SplitAfter(text, sep) {
		if part == "" {
			continue
		}
		if len(part) > s.size {
			out = append(out, s.split(part, separators[1:])...)
			continue
		}
		out = append(out, part)
	}
	return out
}

func (s *Splitter) merge(pieces []string) []string {
	var (
		chunks []string
		window []string
		size   int
	)
	flush := func() {
		if c := strings.TrimSpace(strings.Join(window, "")); c != "" {
			chunks = append(chunks, c)
		}
	}

	for _, p := range pieces {
		if size > 0 && size+len(p) > s.size {
			flush()
			// 只保留窗口尾部作为下一块的重叠部分。
			for size > 0 && (size > s.overlap || size+len(p) > s.size) {
				size -= len(window[0])
				window = window[1:]
			}
		}
		window = append(window, p)
		size += len(p)
	}
	if size > 0 {
		flush()
	}
	return chunks
}

// hardSplit 在没有可用分隔符时按字节长度硬切，切点对齐到 UTF-8 字符边界。
func hardSplit(text string, size int) []string {
	var out []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
