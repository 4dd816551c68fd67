package turns

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// PrettyPrinter renders a Turn in a configurable human-friendly way.
type PrettyPrinter struct {
	IncludeIDs        bool
	IncludeToolDetail bool
	IndentSpaces      int
	MaxTextLines      int // 0 => unlimited
}

// PrintOption configures a PrettyPrinter.
type PrintOption func(*PrettyPrinter)

// WithIDs prefixes each part with its position.
func WithIDs(include bool) PrintOption { return func(p *PrettyPrinter) { p.IncludeIDs = include } }

// WithToolDetail toggles inclusion of tool input/output details.
func WithToolDetail(include bool) PrintOption {
	return func(p *PrettyPrinter) { p.IncludeToolDetail = include }
}

func WithIndent(spaces int) PrintOption { return func(p *PrettyPrinter) { p.IndentSpaces = spaces } }

// WithMaxTextLines limits how many lines of text to print per part (0 = unlimited).
func WithMaxTextLines(n int) PrintOption { return func(p *PrettyPrinter) { p.MaxTextLines = n } }

func NewPrettyPrinter(opts ...PrintOption) *PrettyPrinter {
	p := &PrettyPrinter{
		IncludeToolDetail: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FprintTurn prints t with the default printer.
func FprintTurn(w io.Writer, t *Turn, opts ...PrintOption) {
	NewPrettyPrinter(opts...).FprintTurn(w, t)
}

// FprintTurn renders the parts of t like a chat transcript, preceded by a
// header line with the turn id and role.
func (p *PrettyPrinter) FprintTurn(w io.Writer, t *Turn) {
	if t == nil {
		return
	}
	pad := strings.Repeat(" ", p.IndentSpaces)
	fmt.Fprintf(w, "%s--- %s (%s)\n", pad, t.ID, t.Role)
	for i, part := range t.Parts {
		prefix := pad
		if p.IncludeIDs {
			prefix = fmt.Sprintf("%s[%02d] ", pad, i)
		}

		switch v := part.(type) {
		case TextPart:
			p.fprintText(w, prefix+string(t.Role)+":", v.Text)
		case ReasoningPart:
			if v.Text == "" {
				fmt.Fprintf(w, "%sreasoning: <no content>\n", prefix)
			} else {
				p.fprintText(w, prefix+"reasoning:", v.Text)
			}
		case SourceURLPart:
			if v.Title != "" {
				fmt.Fprintf(w, "%ssource: %s <%s>\n", prefix, v.Title, v.URL)
			} else {
				fmt.Fprintf(w, "%ssource: <%s>\n", prefix, v.URL)
			}
		case StepStartPart:
			fmt.Fprintf(w, "%sstep\n", prefix)
		case ToolPart:
			fmt.Fprintf(w, "%stool %s [%s] %s", prefix, v.Tool, v.ToolCallID, v.State)
			if p.IncludeToolDetail {
				switch v.State {
				case ToolStateOutputAvailable:
					fmt.Fprintf(w, " → %s", toOneLineJSON(v.Output))
				case ToolStateOutputError:
					fmt.Fprintf(w, " ✗ %s", v.ErrorText)
				case ToolStateInputStreaming, ToolStateInputAvailable:
					if v.Input != nil {
						fmt.Fprintf(w, " %s", toOneLineJSON(v.Input))
					}
				}
			}
			fmt.Fprintln(w)
		case DataPart:
			fmt.Fprintf(w, "%sdata-%s %s [%s]\n", prefix, v.Kind, v.ID, v.Status)
		case UnknownPart:
			fmt.Fprintf(w, "%sunknown part type %q\n", prefix, v.RawType)
		}
	}
}

func (p *PrettyPrinter) fprintText(w io.Writer, head string, text string) {
	if p.MaxTextLines > 0 {
		lines := strings.Split(text, "\n")
		if len(lines) > p.MaxTextLines {
			text = strings.Join(lines[:p.MaxTextLines], "\n") + " …"
		}
	}
	fmt.Fprintf(w, "%s %s\n", head, text)
}

func toOneLineJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
