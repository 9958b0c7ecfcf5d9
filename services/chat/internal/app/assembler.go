package app

import (
	"fmt"
	"strings"

	"pdfchat/pkg/ai"
	"pdfchat/pkg/domain"
)

const (
	systemPreamble = "You are an assistant who takes in pdf content as input and prepares questions and answers on the pdf and return it. Additionally also solve any other queries from the user."
	pdfContextTmpl = "Here is the pdf content: \n%s\n"
	noDocumentNote = "No document content is available for this conversation. Answer from general knowledge and say so when a question depends on the document."
)

// AssemblerConfig bounds prompt size.
type AssemblerConfig struct {
	// MaxChars is the prompt budget in bytes of message content; zero disables trimming.
	MaxChars int
	// KeepRecent is the number of newest history messages never dropped.
	KeepRecent int
	// RequireDocument makes an empty thread without document text fail with ErrNoContext.
	RequireDocument bool
}

// Prompt is an assembled model input.
type Prompt struct {
	Messages    []ai.Message
	HasDocument bool
	// Dropped counts history messages removed to fit the budget.
	Dropped int
}

// Assembler builds model prompts from a thread's history and its document.
type Assembler struct {
	cfg AssemblerConfig
}

func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.KeepRecent < 0 {
		cfg.KeepRecent = 0
	}
	if cfg.MaxChars < 0 {
		cfg.MaxChars = 0
	}
	return &Assembler{cfg: cfg}
}

// Build returns the prompt in a fixed order: preamble, document text (or the
// no-document note), prior messages oldest first, then userMessage. When over
// budget the oldest history goes first; the document text and the newest
// KeepRecent messages are always kept. Same inputs give the same prompt.
func (a *Assembler) Build(history []domain.Message, pdfText, userMessage string) (Prompt, error) {
	hasDoc := strings.TrimSpace(pdfText) != ""
	if !hasDoc && len(history) == 0 && a.cfg.RequireDocument {
		return Prompt{}, ErrNoContext
	}

	head := []ai.Message{{Role: ai.RoleSystem, Content: systemPreamble}}
	if hasDoc {
		head = append(head, ai.Message{Role: ai.RoleSystem, Content: fmt.Sprintf(pdfContextTmpl, pdfText)})
	} else {
		head = append(head, ai.Message{Role: ai.RoleSystem, Content: noDocumentNote})
	}
	tail := ai.Message{Role: ai.RoleUser, Content: userMessage}

	turns := make([]ai.Message, 0, len(history))
	for _, msg := range history {
		role := ai.RoleUser
		if msg.Role == domain.RoleAssistant {
			role = ai.RoleAssistant
		}
		turns = append(turns, ai.Message{Role: role, Content: msg.Content})
	}

	dropped := 0
	if a.cfg.MaxChars > 0 {
		used := promptChars(head) + len(tail.Content) + promptChars(turns)
		droppable := len(turns) - a.cfg.KeepRecent
		for dropped < droppable && used > a.cfg.MaxChars {
			used -= len(turns[dropped].Content)
			dropped++
		}
	}

	out := make([]ai.Message, 0, len(head)+len(turns)-dropped+1)
	out = append(out, head...)
	out = append(out, turns[dropped:]...)
	out = append(out, tail)
	return Prompt{Messages: out, HasDocument: hasDoc, Dropped: dropped}, nil
}

func promptChars(msgs []ai.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}
