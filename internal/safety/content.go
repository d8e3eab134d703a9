package safety

import "regexp"

// ContentResult is one content-filter outcome.
type ContentResult struct {
	Flagged  bool
	Category string // prompt_injection, toxic, off_topic
	Pattern  string
}

type contentPattern struct {
	name string
	re   *regexp.Regexp
}

// Prompt-injection attempts aimed at the model rather than the business.
var injectionPatterns = []contentPattern{
	{"new_instructions", regexp.MustCompile(`(?i)new\s+instructions?\s*:`)},
	{"important_override", regexp.MustCompile(`(?i)\bIMPORTANT\s*:\s*(?:ignore|disregard|forget)`)},
	{"end_of_prompt", regexp.MustCompile(`(?i)(?:end|---+)\s*of\s*(?:system\s*)?prompt`)},
	{"assistant_prefix", regexp.MustCompile(`(?i)^\s*assistant\s*:\s`)},
	{"human_prefix", regexp.MustCompile(`(?i)\n\s*human\s*:\s`)},
	{"fake_completion", regexp.MustCompile(`(?i)\[(?:assistant|ai)\s+(?:response|says|replies)\]`)},
	{"instruction_tags", regexp.MustCompile(`(?i)<\s*/?\s*(?:instructions?|prompt|rules)\s*>`)},
	{"do_not_refuse", regexp.MustCompile(`(?i)(?:do\s+not|don'?t|never)\s+(?:refuse|decline|say\s+no)`)},
	{"respond_only_with", regexp.MustCompile(`(?i)respond\s+only\s+with|only\s+respond\s+with`)},
	{"execute_command", regexp.MustCompile(`(?i)(?:execute|run)\s+(?:this\s+)?(?:command|code|script)`)},
	{"markdown_injection", regexp.MustCompile(`!\[[^\]]*\]\(https?://[^)]+\)`)},
	{"link_exfiltration", regexp.MustCompile(`(?i)(?:send|post|forward)\s+(?:this|the\s+(?:conversation|data))\s+to\s+https?://`)},
	{"repeat_after_me", regexp.MustCompile(`(?i)repeat\s+after\s+me\s*:`)},
	{"prompt_continuation", regexp.MustCompile(`(?i)continue\s+(?:the|your)\s+(?:system\s+)?prompt`)},
}

// Toxic or abusive language toward the agent or staff.
var toxicPatterns = []contentPattern{
	{"slur_violence", regexp.MustCompile(`(?i)\b(?:kill|hurt|attack)\s+(?:you|your|yourself)\b`)},
	{"threat", regexp.MustCompile(`(?i)i(?:'ll|\s+will)\s+(?:find|hurt|kill|sue)\s+you`)},
	{"harassment", regexp.MustCompile(`(?i)\byou(?:'re|\s+are)\s+(?:stupid|worthless|useless|pathetic)\b`)},
	{"profanity_directed", regexp.MustCompile(`(?i)\b(?:fuck|screw)\s+(?:you|off|this)\b`)},
	{"hate", regexp.MustCompile(`(?i)\bi\s+hate\s+(?:you|all\s+of\s+you)\b`)},
	{"sexual_content", regexp.MustCompile(`(?i)\b(?:sexual|explicit|nude)\s+(?:content|photos?|images?)\b`)},
	{"self_harm", regexp.MustCompile(`(?i)\b(?:hurt|kill)\s+myself\b`)},
	{"doxxing", regexp.MustCompile(`(?i)(?:home\s+address|personal\s+info)\s+of\s+(?:your|the)\s+(?:owner|staff|employees?)`)},
}

// Requests far outside a cleaning-service conversation.
var offTopicPatterns = []contentPattern{
	{"write_code", regexp.MustCompile(`(?i)write\s+(?:me\s+)?(?:a|some)\s+(?:code|program|script|function)`)},
	{"homework", regexp.MustCompile(`(?i)(?:solve|answer)\s+(?:this|my)\s+(?:homework|math|equation)`)},
	{"essay", regexp.MustCompile(`(?i)write\s+(?:me\s+)?(?:an?\s+)?(?:essay|poem|story|song|cover\s+letter)`)},
	{"medical_legal", regexp.MustCompile(`(?i)(?:medical|legal|financial)\s+advice`)},
	{"other_business", regexp.MustCompile(`(?i)(?:recommend|find\s+me)\s+a\s+(?:restaurant|hotel|plumber|electrician)`)},
	{"general_knowledge", regexp.MustCompile(`(?i)(?:what|who|when)\s+(?:is|was|are)\s+the\s+(?:capital|president|population)\s+of`)},
}

// ContentFilter screens messages for injection, toxicity, and off-topic use.
type ContentFilter struct{}

// NewContentFilter builds a filter.
func NewContentFilter() *ContentFilter {
	return &ContentFilter{}
}

// Check returns the first flagged category, checking injection before
// toxicity before topicality. Injection blocks; the other categories steer
// the conversation rather than reject it.
func (f *ContentFilter) Check(message string) ContentResult {
	for _, p := range injectionPatterns {
		if p.re.MatchString(message) {
			return ContentResult{Flagged: true, Category: "prompt_injection", Pattern: p.name}
		}
	}
	for _, p := range toxicPatterns {
		if p.re.MatchString(message) {
			return ContentResult{Flagged: true, Category: "toxic", Pattern: p.name}
		}
	}
	for _, p := range offTopicPatterns {
		if p.re.MatchString(message) {
			return ContentResult{Flagged: true, Category: "off_topic", Pattern: p.name}
		}
	}
	return ContentResult{}
}

// Blocks reports whether the flagged category warrants rejecting the
// message.
func (r ContentResult) Blocks() bool {
	return r.Flagged && (r.Category == "prompt_injection" || r.Category == "toxic")
}
