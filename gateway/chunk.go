package gateway

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageChars is the platform limit for one outbound text message,
// counted in code points. Longer replies are split into ordered segments.
const MaxMessageChars = 2000

// ChunkText splits s into segments of at most max runes, in order. Cuts
// land on rune boundaries so multi-byte text is never severed mid-character.
func ChunkText(s string, max int) []string {
	if max <= 0 || s == "" {
		return nil
	}
	var out []string
	for utf8.RuneCountInString(s) > max {
		i := 0
		for n := 0; n < max; n++ {
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return append(out, s)
}

// CodeBlock is a fenced block lifted out of a reply body.
type CodeBlock struct {
	Lang string
	Body string
}

// Filename derives an attachment name for the block from its fence tag.
func (b CodeBlock) Filename(n int) string {
	ext := "txt"
	switch strings.ToLower(b.Lang) {
	case "python", "py":
		ext = "py"
	case "javascript", "js":
		ext = "js"
	case "go", "golang":
		ext = "go"
	case "html":
		ext = "html"
	case "css":
		ext = "css"
	case "sql":
		ext = "sql"
	case "json":
		ext = "json"
	case "sh", "bash", "shell":
		ext = "sh"
	}
	return fmt.Sprintf("snippet_%d.%s", n, ext)
}

// ExtractCodeBlocks pulls fenced code blocks out of s. It returns the text
// with each block replaced by a placeholder naming the attachment, plus the
// blocks in order. Unterminated blocks run to the end of the text.
func ExtractCodeBlocks(s string) (string, []CodeBlock) {
	if !strings.Contains(s, "```") {
		return s, nil
	}
	var blocks []CodeBlock
	var text strings.Builder
	var current strings.Builder
	var lang string
	inBlock := false

	flush := func() {
		body := current.String()
		current.Reset()
		if strings.TrimSpace(body) == "" {
			return
		}
		b := CodeBlock{Lang: lang, Body: body}
		blocks = append(blocks, b)
		text.WriteString(fmt.Sprintf("[code attached: %s]\n", b.Filename(len(blocks))))
	}

	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "```") {
			if inBlock {
				flush()
			} else {
				lang = strings.TrimSpace(strings.TrimPrefix(line, "```"))
			}
			inBlock = !inBlock
			continue
		}
		if inBlock {
			current.WriteString(line)
			current.WriteString("\n")
		} else {
			text.WriteString(line)
			text.WriteString("\n")
		}
	}
	if inBlock {
		flush()
	}
	return strings.TrimRight(text.String(), "\n"), blocks
}
