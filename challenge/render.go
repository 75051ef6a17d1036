package challenge

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
)

const (
	glyphWidth  = 5
	glyphHeight = 7
	glyphGap    = 2
	pixelScale  = 3
)

// glyphAlphabet has no pairs which are easy to confuse (0/O, 1/I/L ...).
const glyphAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// mixedAlphabet adds lowercase letters whose shapes differ from their
// uppercase pair.
const mixedAlphabet = glyphAlphabet + "abdefhkmnrty"

// 5x7 font, bit 4 is the leftmost column.
var glyphFont = map[byte][glyphHeight]uint8{
	'A': {0x0E, 0x11, 0x11, 0x1F, 0x11, 0x11, 0x11},
	'B': {0x1E, 0x11, 0x11, 0x1E, 0x11, 0x11, 0x1E},
	'C': {0x0E, 0x11, 0x10, 0x10, 0x10, 0x11, 0x0E},
	'D': {0x1C, 0x12, 0x11, 0x11, 0x11, 0x12, 0x1C},
	'E': {0x1F, 0x10, 0x10, 0x1E, 0x10, 0x10, 0x1F},
	'F': {0x1F, 0x10, 0x10, 0x1E, 0x10, 0x10, 0x10},
	'G': {0x0E, 0x11, 0x10, 0x17, 0x11, 0x11, 0x0F},
	'H': {0x11, 0x11, 0x11, 0x1F, 0x11, 0x11, 0x11},
	'J': {0x07, 0x02, 0x02, 0x02, 0x02, 0x12, 0x0C},
	'K': {0x11, 0x12, 0x14, 0x18, 0x14, 0x12, 0x11},
	'M': {0x11, 0x1B, 0x15, 0x15, 0x11, 0x11, 0x11},
	'N': {0x11, 0x11, 0x19, 0x15, 0x13, 0x11, 0x11},
	'P': {0x1E, 0x11, 0x11, 0x1E, 0x10, 0x10, 0x10},
	'Q': {0x0E, 0x11, 0x11, 0x11, 0x15, 0x12, 0x0D},
	'R': {0x1E, 0x11, 0x11, 0x1E, 0x14, 0x12, 0x11},
	'S': {0x0F, 0x10, 0x10, 0x0E, 0x01, 0x01, 0x1E},
	'T': {0x1F, 0x04, 0x04, 0x04, 0x04, 0x04, 0x04},
	'U': {0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x0E},
	'V': {0x11, 0x11, 0x11, 0x11, 0x11, 0x0A, 0x04},
	'W': {0x11, 0x11, 0x11, 0x15, 0x15, 0x15, 0x0A},
	'X': {0x11, 0x11, 0x0A, 0x04, 0x0A, 0x11, 0x11},
	'Y': {0x11, 0x11, 0x11, 0x0A, 0x04, 0x04, 0x04},
	'Z': {0x1F, 0x01, 0x02, 0x04, 0x08, 0x10, 0x1F},
	'2': {0x0E, 0x11, 0x01, 0x02, 0x04, 0x08, 0x1F},
	'3': {0x1F, 0x02, 0x04, 0x02, 0x01, 0x11, 0x0E},
	'4': {0x02, 0x06, 0x0A, 0x12, 0x1F, 0x02, 0x02},
	'5': {0x1F, 0x10, 0x1E, 0x01, 0x01, 0x11, 0x0E},
	'6': {0x06, 0x08, 0x10, 0x1E, 0x11, 0x11, 0x0E},
	'7': {0x1F, 0x01, 0x02, 0x04, 0x08, 0x08, 0x08},
	'8': {0x0E, 0x11, 0x11, 0x0E, 0x11, 0x11, 0x0E},
	'9': {0x0E, 0x11, 0x11, 0x0F, 0x01, 0x02, 0x0C},
	'a': {0x00, 0x00, 0x0E, 0x01, 0x0F, 0x11, 0x0F},
	'b': {0x10, 0x10, 0x16, 0x19, 0x11, 0x11, 0x1E},
	'd': {0x01, 0x01, 0x0D, 0x13, 0x11, 0x11, 0x0F},
	'e': {0x00, 0x00, 0x0E, 0x11, 0x1F, 0x10, 0x0E},
	'f': {0x06, 0x09, 0x08, 0x1C, 0x08, 0x08, 0x08},
	'h': {0x10, 0x10, 0x16, 0x19, 0x11, 0x11, 0x11},
	'k': {0x10, 0x10, 0x12, 0x14, 0x18, 0x14, 0x12},
	'm': {0x00, 0x00, 0x1A, 0x15, 0x15, 0x11, 0x11},
	'n': {0x00, 0x00, 0x16, 0x19, 0x11, 0x11, 0x11},
	'r': {0x00, 0x00, 0x16, 0x19, 0x10, 0x10, 0x10},
	't': {0x08, 0x08, 0x1C, 0x08, 0x08, 0x09, 0x06},
	'y': {0x00, 0x11, 0x11, 0x11, 0x0F, 0x01, 0x0E},
}

var bitmapPalette = color.Palette{color.White, color.Black}

// canvas is a 1-bit image in font pixels. It is upscaled on encoding.
type canvas struct {
	width  int
	height int
	pixels []bool
}

func (c *canvas) set(x, y int) {
	if x >= 0 && y >= 0 && x < c.width && y < c.height {
		c.pixels[y*c.width+x] = true
	}
}

func (c *canvas) drawGlyph(glyph byte, x, y int) {
	rows := glyphFont[glyph]

	for row := 0; row < glyphHeight; row++ {
		for col := 0; col < glyphWidth; col++ {
			if rows[row]&(1<<(glyphWidth-1-col)) != 0 {
				c.set(x+col, y+row)
			}
		}
	}
}

// noise flips every pixel with a given probability.
func (c *canvas) noise(rng *rand.Rand, probability float64) {
	for i := range c.pixels {
		if rng.Float64() < probability {
			c.pixels[i] = !c.pixels[i]
		}
	}
}

func (c *canvas) encode() ([]byte, error) {
	img := image.NewPaletted(image.Rect(0, 0, c.width*pixelScale, c.height*pixelScale), bitmapPalette)

	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			if !c.pixels[y*c.width+x] {
				continue
			}

			for dy := 0; dy < pixelScale; dy++ {
				for dx := 0; dx < pixelScale; dx++ {
					img.SetColorIndex(x*pixelScale+dx, y*pixelScale+dy, 1)
				}
			}
		}
	}

	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("cannot encode image: %w", err)
	}

	return buf.Bytes(), nil
}

func newCanvas(width, height int) *canvas {
	return &canvas{
		width:  width,
		height: height,
		pixels: make([]bool, width*height),
	}
}

// renderGlyphs draws text with a random vertical jitter of each glyph.
func renderGlyphs(rng *rand.Rand, text string, jitter int, noise float64) ([]byte, error) {
	c := newCanvas(
		len(text)*(glyphWidth+glyphGap)+glyphGap,
		glyphHeight+2*glyphGap+jitter)

	for i := 0; i < len(text); i++ {
		c.drawGlyph(text[i], glyphGap+i*(glyphWidth+glyphGap), glyphGap+rng.IntN(jitter+1))
	}

	c.noise(rng, noise)

	return c.encode()
}

// renderGrid draws a header with the target glyph and a grid of cells
// below it. Every cell contains one glyph.
func renderGrid(rng *rand.Rand, target byte, cells []byte, side int, noise float64) ([]byte, error) {
	cellSize := glyphWidth + 2*glyphGap
	headerHeight := glyphHeight + 2*glyphGap
	c := newCanvas(side*cellSize+1, headerHeight+side*cellSize+1)

	c.drawGlyph(target, glyphGap, glyphGap)

	for i := 0; i <= side; i++ {
		for j := 0; j <= side*cellSize; j++ {
			c.set(j, headerHeight+i*cellSize)
			c.set(i*cellSize, headerHeight+j)
		}
	}

	for idx, glyph := range cells {
		x := (idx % side) * cellSize
		y := headerHeight + (idx/side)*cellSize

		c.drawGlyph(glyph, x+1+rng.IntN(glyphGap+1), y+1+rng.IntN(glyphGap))
	}

	c.noise(rng, noise)

	return c.encode()
}
