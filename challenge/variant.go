package challenge

import (
	"crypto/sha256"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
)

// Variant is a kind of challenge. The set is closed and ordered by solver
// resistance: every next variant is harder than previous.
type Variant uint8

const (
	// VariantGlyphs4 is 4 glyphs, light noise.
	VariantGlyphs4 Variant = iota

	// VariantGlyphs5 is 5 glyphs, medium noise.
	VariantGlyphs5

	// VariantGlyphs6 is 6 glyphs of both cases, heavy noise and jitter.
	// Its answers are case-sensitive.
	VariantGlyphs6

	// VariantGrid asks to select all cells of 5x5 grid which contain the
	// target glyph. Answer is a list of cell indexes in any order.
	VariantGrid

	variantCount
)

// Variants lists all variants from the easiest to the hardest.
var Variants = []Variant{VariantGlyphs4, VariantGlyphs5, VariantGlyphs6, VariantGrid}

// HardVariants is a subset which is used exclusively at maximal difficulty.
var HardVariants = []Variant{VariantGlyphs6, VariantGrid}

// Weights of variants per difficulty level (1..4).
var variantWeights = [4][variantCount]int{
	{60, 40, 0, 0},  //nolint: gomnd
	{25, 45, 30, 0}, //nolint: gomnd
	{0, 30, 45, 25}, //nolint: gomnd
	{0, 0, 50, 50},  //nolint: gomnd
}

const (
	gridSide        = 5
	gridTargetCount = 6
)

func (v Variant) String() string {
	switch v {
	case VariantGlyphs4:
		return "glyphs4"
	case VariantGlyphs5:
		return "glyphs5"
	case VariantGlyphs6:
		return "glyphs6"
	case VariantGrid:
		return "grid"
	}

	return fmt.Sprintf("variant(%d)", uint8(v))
}

// Valid reports if v is a known variant.
func (v Variant) Valid() bool {
	return v < variantCount
}

type glyphsSpec struct {
	alphabet string
	length   int
	jitter   int
	noise    float64
}

func (v Variant) glyphs() glyphsSpec {
	switch v {
	case VariantGlyphs4:
		return glyphsSpec{alphabet: glyphAlphabet, length: 4, jitter: 1, noise: 0.02} //nolint: gomnd
	case VariantGlyphs5:
		return glyphsSpec{alphabet: glyphAlphabet, length: 5, jitter: 2, noise: 0.04} //nolint: gomnd
	default:
		return glyphsSpec{alphabet: mixedAlphabet, length: 6, jitter: 3, noise: 0.07} //nolint: gomnd
	}
}

// generate builds a new puzzle of this variant.
func (v Variant) generate(rng *rand.Rand) (Puzzle, error) {
	var (
		payload []byte
		answer  string
		err     error
	)

	switch v {
	case VariantGlyphs4, VariantGlyphs5, VariantGlyphs6:
		spec := v.glyphs()
		text := make([]byte, spec.length)

		for i := range text {
			text[i] = spec.alphabet[rng.IntN(len(spec.alphabet))]
		}

		answer = string(text)
		payload, err = renderGlyphs(rng, answer, spec.jitter, spec.noise)
	case VariantGrid:
		payload, answer, err = generateGrid(rng)
	default:
		return Puzzle{}, fmt.Errorf("unknown variant %d", v)
	}

	if err != nil {
		return Puzzle{}, err
	}

	return Puzzle{
		Variant: v,
		Payload: payload,
		Digest:  v.digest(answer),
	}, nil
}

func generateGrid(rng *rand.Rand) ([]byte, string, error) {
	target := glyphAlphabet[rng.IntN(len(glyphAlphabet))]
	cells := make([]byte, gridSide*gridSide)
	marked := rng.Perm(len(cells))[:gridTargetCount]

	for i := range cells {
		for {
			cells[i] = glyphAlphabet[rng.IntN(len(glyphAlphabet))]
			if cells[i] != target {
				break
			}
		}
	}

	for _, idx := range marked {
		cells[idx] = target
	}

	payload, err := renderGrid(rng, target, cells, gridSide, 0.05) //nolint: gomnd

	return payload, normalizeGrid(marked), err
}

// normalize brings an answer into a canonical form. Glyph answers ignore
// spaces and, except for VariantGlyphs6, case. Grid answers are sets of
// indexes.
func (v Variant) normalize(answer string) string {
	if v == VariantGrid {
		fields := strings.FieldsFunc(answer, func(r rune) bool {
			return r == ',' || r == ' ' || r == ';'
		})
		indexes := make([]int, 0, len(fields))

		for _, field := range fields {
			idx, err := strconv.Atoi(field)
			if err != nil || idx < 0 || idx >= gridSide*gridSide {
				return ""
			}

			indexes = append(indexes, idx)
		}

		return normalizeGrid(indexes)
	}

	answer = strings.ReplaceAll(answer, " ", "")
	if v == VariantGlyphs6 {
		return answer
	}

	return strings.ToUpper(answer)
}

// NewPuzzle builds a puzzle from a payload rendered elsewhere and its
// expected answer. Only a digest of the answer is kept.
func NewPuzzle(v Variant, payload []byte, answer string) Puzzle {
	return Puzzle{
		Variant: v,
		Payload: payload,
		Digest:  v.digest(answer),
	}
}

func (v Variant) digest(answer string) [sha256.Size]byte {
	return sha256.Sum256([]byte(v.String() + ":" + v.normalize(answer)))
}

func normalizeGrid(indexes []int) string {
	sorted := slices.Clone(indexes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	parts := make([]string, len(sorted))
	for i, idx := range sorted {
		parts[i] = strconv.Itoa(idx)
	}

	return strings.Join(parts, ",")
}

// pickVariant does a weighted random choice for the difficulty.
func pickVariant(difficulty int, roll func(n int) int) Variant {
	difficulty = min(max(difficulty, 1), len(variantWeights))
	weights := variantWeights[difficulty-1]

	total := 0
	for _, w := range weights {
		total += w
	}

	point := roll(total)

	for i, w := range weights {
		if point < w {
			return Variant(i)
		}

		point -= w
	}

	return VariantGrid
}
