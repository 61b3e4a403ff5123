// Package persona maps expert labels to the instruction sent with every
// generation call.
package persona

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"zirak-chat/internal/logging"
)

// Expert enumerates the available personas.
type Expert int

const (
	CourseBrain Expert = iota
	BusinessTranslator
	LogisticsCalculator
	ContentStrategist
	SecretReport
)

// FallbackInstruction is used for labels that match no persona.
const FallbackInstruction = "Helpful Assistant."

// referencePlaceholder is replaced with the reference file contents.
const referencePlaceholder = "{reference}"

// Persona is one row of the expert table.
type Persona struct {
	Expert        Expert
	Label         string
	Instruction   string
	ReferenceFile string
}

// Table is ordered: lookups take the first match.
var Table = []Persona{
	{
		Expert:        CourseBrain,
		Label:         "🧠 مێشکی کۆرسەکە",
		Instruction:   "Role: Course Expert. Answer only from content.\nContent:\n" + referencePlaceholder,
		ReferenceFile: "course.txt",
	},
	{
		Expert:      BusinessTranslator,
		Label:       "🗣️ وەرگێڕی بازرگانی",
		Instruction: "Role: Professional Translator. Kurdish <-> English.",
	},
	{
		Expert:      LogisticsCalculator,
		Label:       "📐 حاسیبەی لۆجستی",
		Instruction: "Role: Calculator. Output numbers only.",
	},
	{
		Expert:      ContentStrategist,
		Label:       "✍️ ستراتیژیستی ناوەڕۆک",
		Instruction: "Role: Creative Marketer.",
	},
	{
		Expert:        SecretReport,
		Label:         "📈 ڕاپۆرتی نهێنی",
		Instruction:   "Role: Data Analyst.\nData:\n" + referencePlaceholder,
		ReferenceFile: "report.txt",
	},
}

// Resolver turns a label into instruction text, reading reference files from dir.
type Resolver struct {
	dir      string
	personas []Persona
	logger   logging.Logger
}

func NewResolver(dir string, logger logging.Logger) *Resolver {
	return &Resolver{dir: dir, personas: Table, logger: logger}
}

// Personas returns the table in lookup order.
func (r *Resolver) Personas() []Persona {
	return r.personas
}

// Default is the persona selected right after login.
func (r *Resolver) Default() Persona {
	return r.personas[0]
}

// Lookup finds the persona for label: an exact match wins, otherwise the
// first persona whose label is contained in the given one.
func (r *Resolver) Lookup(label string) (Persona, bool) {
	for _, p := range r.personas {
		if p.Label == label {
			return p, true
		}
	}
	for _, p := range r.personas {
		if strings.Contains(label, p.Label) {
			return p, true
		}
	}
	return Persona{}, false
}

// Resolve returns the instruction for label, falling back to
// FallbackInstruction when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, label string) string {
	p, ok := r.Lookup(label)
	if !ok {
		r.logger.Warn(ctx, "unknown expert label, using fallback instruction", "label", label)
		return FallbackInstruction
	}
	if p.ReferenceFile == "" {
		return p.Instruction
	}
	return strings.ReplaceAll(p.Instruction, referencePlaceholder, r.reference(ctx, p.ReferenceFile))
}

func (r *Resolver) reference(ctx context.Context, name string) string {
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn(ctx, "reference file unreadable", "file", name, "error", err)
		}
		return ""
	}
	return string(data)
}

// Overlaps lists label pairs where the first contains the second, which
// would make containment lookups depend on table order.
func Overlaps(personas []Persona) [][2]string {
	var out [][2]string
	for i, a := range personas {
		for j, b := range personas {
			if i != j && strings.Contains(a.Label, b.Label) {
				out = append(out, [2]string{a.Label, b.Label})
			}
		}
	}
	return out
}
