package utils

import (
	"bytes"
	"io"
	"sync"

	"github.com/fatih/color"
)

var palette = []color.Attribute{color.FgYellow, color.FgGreen, color.FgCyan, color.FgWhite, color.FgMagenta}

var (
	paletteMu    sync.Mutex
	paletteIndex = -1
)

// MaxNameLength bounds the prefix width of a ColorWriter.
const MaxNameLength = 20

// ColorWriter is an io.Writer that prefixes every line with a colored name,
// one palette color per writer, so output from parallel jobs stays
// attributable.
type ColorWriter struct {
	name string
	c    *color.Color

	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

// NewColorWriter wraps w with a line prefix of name in the next palette
// color. Names longer than MaxNameLength are truncated.
func NewColorWriter(name string, w io.Writer) *ColorWriter {
	paletteMu.Lock()
	paletteIndex = (paletteIndex + 1) % len(palette)
	attr := palette[paletteIndex]
	paletteMu.Unlock()

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength-3] + "..."
	}
	return &ColorWriter{
		name: name,
		c:    color.New(attr),
		w:    w,
	}
}

// Write buffers partial lines and emits complete ones with the prefix.
func (c *ColorWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(p)
	for {
		line, err := c.buf.ReadString('\n')
		if err != nil {
			// partial line, keep it for the next write
			c.buf.WriteString(line)
			break
		}
		if _, err := c.c.Fprintf(c.w, "%s | %s", c.name, line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush writes any buffered partial line, terminating it with a newline.
func (c *ColorWriter) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf.Len() == 0 {
		return nil
	}
	_, err := c.c.Fprintf(c.w, "%s | %s\n", c.name, c.buf.String())
	c.buf.Reset()
	return err
}
