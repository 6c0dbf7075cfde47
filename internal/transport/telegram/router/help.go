package router

import (
	"html"
	"strings"
	"unicode"
)

func (r *Router) helpText(req *Request) string {
	r.mu.RLock()
	cmds := append([]Command(nil), r.commands...)
	r.mu.RUnlock()

	if len(req.Args) > 0 {
		if c, ok := r.lookup(sanitizeCommand(strings.TrimPrefix(req.Args[0], "/"))); ok {
			var b strings.Builder
			b.WriteString("<b>/" + c.Name + "</b>")
			if c.Access == AccessOwnerOnly {
				b.WriteString(" (owner)")
			}
			b.WriteString("\n" + html.EscapeString(c.Description))
			if c.Usage != "" {
				b.WriteString("\nusage: <code>" + html.EscapeString(c.Usage) + "</code>")
			}
			if len(c.Aliases) > 0 {
				b.WriteString("\naliases: /" + strings.Join(c.Aliases, ", /"))
			}
			return b.String()
		}
		return "unknown command, try /help"
	}

	var b strings.Builder
	b.WriteString("<b>Commands</b>")
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !req.Owner {
			continue
		}
		b.WriteString("\n/" + c.Name + " - " + html.EscapeString(c.Description))
	}
	return b.String()
}

// sanitizeCommand maps a name onto Telegram's command alphabet [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = strings.TrimRight(("cmd_" + out)[:min(32, len(out)+4)], "_")
	}
	return out
}
