package challenge

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickVariantHardestLevel(t *testing.T) {
	t.Parallel()

	for i := 0; i < 1000; i++ {
		assert.Contains(t, HardVariants, pickVariant(4, rand.IntN))
	}
}

func TestPickVariantClampsDifficulty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, VariantGlyphs4, pickVariant(-3, func(int) int { return 0 }))
	assert.Equal(t, VariantGrid, pickVariant(100, func(n int) int { return n - 1 }))
}

func TestPickVariantWeights(t *testing.T) {
	t.Parallel()

	// difficulty 1 is {60, 40, 0, 0}
	assert.Equal(t, VariantGlyphs4, pickVariant(1, func(int) int { return 59 }))
	assert.Equal(t, VariantGlyphs5, pickVariant(1, func(int) int { return 60 }))
	assert.Equal(t, VariantGlyphs5, pickVariant(1, func(n int) int { return n - 1 }))
}

func TestNormalizeGlyphs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AB2C", VariantGlyphs4.normalize("ab 2c"))
	assert.Equal(t, VariantGlyphs4.digest("AB2C"), VariantGlyphs4.digest("a b2c"))
	assert.NotEqual(t, VariantGlyphs4.digest("AB2C"), VariantGlyphs5.digest("AB2C"))
}

func TestGlyphs6IsCaseSensitive(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "aB2dEf", VariantGlyphs6.normalize("aB2 dEf"))
	assert.Equal(t, VariantGlyphs6.digest("aB2dEf"), VariantGlyphs6.digest("a B2dEf"))
	assert.NotEqual(t, VariantGlyphs6.digest("aB2dEf"), VariantGlyphs6.digest("AB2DEF"))
}

func TestMixedAlphabetIsDrawable(t *testing.T) {
	t.Parallel()

	for i := 0; i < len(mixedAlphabet); i++ {
		ch := mixedAlphabet[i]

		_, ok := glyphFont[ch]
		assert.True(t, ok, string(ch))

		if ch >= 'a' && ch <= 'z' {
			assert.NotEqual(t, glyphFont[ch], glyphFont[ch-'a'+'A'], string(ch))
		}
	}
}

func TestGlyphs6UsesBothCases(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(3, 4))
	lower := false

	for i := 0; i < 50 && !lower; i++ {
		text := make([]byte, 0, 6)
		spec := VariantGlyphs6.glyphs()

		for j := 0; j < spec.length; j++ {
			text = append(text, spec.alphabet[rng.IntN(len(spec.alphabet))])
		}

		lower = bytes.ContainsAny(text, "abdefhkmnrty")
	}

	assert.True(t, lower)
	assert.Equal(t, glyphAlphabet, VariantGlyphs4.glyphs().alphabet)
}

func TestNormalizeGrid(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1,4,20", VariantGrid.normalize("20, 4;1,4"))
	assert.Equal(t, "", VariantGrid.normalize("1,25"))
	assert.Equal(t, "", VariantGrid.normalize("x"))
}

func TestGenerateAllVariants(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))

	for _, v := range Variants {
		puzzle, err := v.generate(rng)

		require.NoError(t, err, v.String())
		assert.Equal(t, v, puzzle.Variant)
		assert.True(t, bytes.HasPrefix(puzzle.Payload, []byte("\x89PNG")), v.String())
		assert.NotZero(t, puzzle.Digest)
	}
}

func TestVariantStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "grid", VariantGrid.String())
	assert.False(t, variantCount.Valid())
	assert.Equal(t, "variant(4)", variantCount.String())
}
