package prompt

import (
	"fmt"
	"strings"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// DefaultMainPrompt is appended last when neither the chat nor the
// configuration supplies a main prompt.
const DefaultMainPrompt = "You are a roleplaying game narrator. Stay in character and describe scenes vividly."

// Render converts a [Snapshot] into the narrator system prompt.
//
// Sections appear in a fixed order: the trimmed base prompt, the setting
// header when a lorebook is attached, known characters, known places, current
// plot points, the lorebook fallback reference (only when the chat has no
// characters and no places yet) and finally the main prompt. Empty entity
// sections are omitted. Candidate entities carry an [ephemeral] tag so the
// model knows they are not established lore yet.
//
// defaultMain replaces the chat's main prompt when the chat has none; an empty
// defaultMain selects [DefaultMainPrompt].
//
// Render performs no I/O and is safe for concurrent use.
func Render(base string, snap *Snapshot, defaultMain string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))
	sb.WriteString("\n\n")

	if snap == nil {
		snap = &Snapshot{}
	}

	if snap.Lorebook != nil {
		fmt.Fprintf(&sb, "Setting: %s\n\n", snap.Lorebook.Name)
	}

	writeEntities(&sb, "KNOWN CHARACTERS:", snap.Characters, false)
	writeEntities(&sb, "KNOWN PLACES:", snap.Places, false)
	writeEntities(&sb, "CURRENT PLOT POINTS:", snap.PlotPoints, true)

	if len(snap.Characters) == 0 && len(snap.Places) == 0 && snap.Lorebook != nil {
		fmt.Fprintf(&sb, "You may reference this lorebook if needed: %q\n", snap.Lorebook.Name)
		if d := strings.TrimSpace(snap.Lorebook.Description); d != "" {
			sb.WriteString(d)
			sb.WriteByte('\n')
		}
	}

	main := strings.TrimSpace(snap.Chat.MainPrompt)
	if main == "" {
		main = strings.TrimSpace(defaultMain)
	}
	if main == "" {
		main = DefaultMainPrompt
	}
	sb.WriteString(main)

	return sb.String()
}

func writeEntities(sb *strings.Builder, header string, entities []lore.Entity, withStatus bool) {
	if len(entities) == 0 {
		return
	}
	sb.WriteString(header)
	sb.WriteByte('\n')
	for _, e := range entities {
		sb.WriteString("- ")
		sb.WriteString(e.Name)
		if d := strings.TrimSpace(e.Description); d != "" {
			sb.WriteString(": ")
			sb.WriteString(d)
		}
		if withStatus {
			fmt.Fprintf(sb, " (Status: %s)", e.State)
		}
		if e.State == lore.StateCandidate {
			sb.WriteString(" [ephemeral]")
		}
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
}
