package llm

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"lattice-backend/internal/errors"
)

// Detection is one flagged substring in a context chunk.
type Detection struct {
	Family  string
	Pattern string
	Excerpt string
	Chunk   int
}

type guardFamily struct {
	name     string
	patterns []*regexp.Regexp
}

// guardFamilies are matched against NFKC-normalized text, so full-width
// and compatibility lookalikes collapse onto the ASCII forms the patterns
// target.
var guardFamilies = []guardFamily{
	{
		name: "instruction_override",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|rules?)`),
			regexp.MustCompile(`(?i)disregard\s+(?:the\s+|all\s+)?(?:system|previous|above)\s+\w+`),
			regexp.MustCompile(`(?i)forget\s+(?:everything|all)\s+(?:you|above|before)`),
			regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
		},
	},
	{
		name: "role_play",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a|an|the)\s`),
			regexp.MustCompile(`(?i)pretend\s+(?:to\s+be|you\s+are)`),
			regexp.MustCompile(`(?i)act\s+as\s+(?:a|an|the)\s+\w+\s+(?:with|without)\s`),
			regexp.MustCompile(`(?i)\bDAN\s+mode\b`),
		},
	},
	{
		name: "system_mimicry",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\[\s*system\s*\]\s*:?`),
			regexp.MustCompile(`(?i)<\|?\s*(?:im_start|system|assistant)\s*\|?>`),
			regexp.MustCompile(`(?i)#{2,}\s*(?:system|instructions?)\b`),
			regexp.MustCompile(`(?i)^\s*system\s*:`),
		},
	},
	{
		name: "obfuscation",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`[A-Za-z0-9+/]{48,}={0,2}`),
			regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){8,}`),
			regexp.MustCompile(`(?:\\u[0-9a-fA-F]{4}){4,}`),
			regexp.MustCompile(`(?:&#x?[0-9a-fA-F]{2,6};){6,}`),
		},
	},
	{
		name: "delimiter_escape",
		patterns: []*regexp.Regexp{
			regexp.MustCompile("(?i)```\\s*(?:system|instructions?)"),
			regexp.MustCompile(`(?i)-{3,}\s*end\s+of\s+(?:context|document|input)`),
			regexp.MustCompile(`(?i)<\s*/?\s*(?:context|document)\s*>\s*(?:system|ignore)`),
		},
	},
}

// Guard scans context chunks for prompt-injection attempts before any
// model call. With HardBlock set a detection is a hard failure; otherwise
// flagged substrings are stripped and the remainder proceeds.
type Guard struct {
	Enabled   bool
	HardBlock bool
	logger    *zap.Logger
}

// NewGuard creates a guard.
func NewGuard(enabled, hardBlock bool, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{Enabled: enabled, HardBlock: hardBlock, logger: logger}
}

// Scan returns every detection across the chunks.
func (g *Guard) Scan(chunks []string) []Detection {
	if !g.Enabled {
		return nil
	}
	var out []Detection
	for i, chunk := range chunks {
		normalized := norm.NFKC.String(chunk)
		for _, family := range guardFamilies {
			for _, pattern := range family.patterns {
				if loc := pattern.FindString(normalized); loc != "" {
					out = append(out, Detection{
						Family:  family.name,
						Pattern: pattern.String(),
						Excerpt: excerpt(loc),
						Chunk:   i,
					})
				}
			}
		}
	}
	return out
}

// Apply scans and either blocks or strips. The returned chunks are always
// safe to forward.
func (g *Guard) Apply(chunks []string) ([]string, error) {
	if !g.Enabled {
		return chunks, nil
	}
	detections := g.Scan(chunks)
	for _, d := range detections {
		g.logger.Warn("prompt injection detected",
			zap.String("family", d.Family),
			zap.Int("chunk", d.Chunk),
			zap.String("excerpt", d.Excerpt))
	}
	if len(detections) == 0 {
		return chunks, nil
	}
	if g.HardBlock {
		return nil, errors.PromptInjection("CONTEXT_BLOCKED",
			"retrieved context was rejected by the safety filter").
			WithDetails(detections[0].Family).Build()
	}

	cleaned := make([]string, len(chunks))
	for i, chunk := range chunks {
		normalized := norm.NFKC.String(chunk)
		for _, family := range guardFamilies {
			for _, pattern := range family.patterns {
				normalized = pattern.ReplaceAllString(normalized, "")
			}
		}
		cleaned[i] = strings.TrimSpace(normalized)
	}
	return cleaned, nil
}

func excerpt(s string) string {
	if len(s) > 60 {
		return s[:60]
	}
	return s
}
