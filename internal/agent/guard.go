package agent

import (
	"regexp"
	"strings"
)

// injectionPatterns 为常见的提示词注入特征。命中只降低信任，不直接拒绝。
var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"ignore_instructions", regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,20}\b(previous|prior|above|earlier|all)\b.{0,20}\b(instructions?|prompts?|rules)\b`)},
	{"role_override", regexp.MustCompile(`(?i)\byou are now\b|\bact as (an? )?(unrestricted|different|new)\b|\bpretend (to be|you are)\b`)},
	{"prompt_exfiltration", regexp.MustCompile(`(?i)\b(reveal|show|print|repeat)\b.{0,20}\b(system prompt|instructions|hidden prompt)\b`)},
	{"jailbreak", regexp.MustCompile(`(?i)\b(jailbreak|developer mode|dan mode)\b`)},
	{"fake_role_tag", regexp.MustCompile(`(?i)(^|\n)\s*(system|assistant)\s*:|<\|?(system|im_start)\|?>`)},
}

// scanInjection 对原始查询做启发式扫描。
func scanInjection(query string) *InjectionScan {
	scan := &InjectionScan{}
	q := strings.TrimSpace(query)
	for _, p := range injectionPatterns {
		if p.re.MatchString(q) {
			scan.Matches = append(scan.Matches, p.name)
		}
	}
	scan.Detected = len(scan.Matches) > 0
	return scan
}
