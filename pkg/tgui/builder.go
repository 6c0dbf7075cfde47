package tgui

import "strings"

// Builder collects reply lines. The zero value is ready to use.
type Builder struct {
	lines []string
}

func New() *Builder { return &Builder{} }

// Title adds a bold title line. Emoji is optional.
func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e := strings.TrimSpace(emoji); e != "" {
		return b.Raw(Esc(e) + " " + B(t))
	}
	return b.Raw(B(t))
}

// Line adds an escaped line.
func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// Raw adds a line of already-safe HTML.
func (b *Builder) Raw(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

// KV adds a "• key: value" row.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	return b.Raw("• " + B(key) + ": " + Esc(strings.TrimSpace(value)))
}

// Item adds a bullet of already-safe HTML.
func (b *Builder) Item(h H) *Builder { return b.Raw("• " + h) }

func (b *Builder) Len() int { return len(b.lines) }

func (b *Builder) String() string {
	return strings.Trim(strings.Join(b.lines, "\n"), "\n")
}
