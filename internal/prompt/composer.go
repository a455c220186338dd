// Package prompt renders the fixed instructions and conversation transcripts
// sent to the inference gateway. Everything here is pure.
package prompt

import (
	"strings"

	"wellbeing-agent/internal/domain"
)

const (
	personLabel    = "Person:"
	assistantLabel = "Assistant:"
)

// Compose renders the full prompt for the next assistant reply: the
// behavioural preamble, the transcript in order, and the closing
// instruction. A non-empty imageAnnotation adds photo-handling guidance for
// the latest message; the annotation text itself is only restated when the
// latest message does not already contain it.
func Compose(history []domain.Message, imageAnnotation string) string {
	var b strings.Builder
	b.WriteString(preamble())
	b.WriteString("\n\nConversation so far:\n")
	for _, m := range history {
		b.WriteString(label(m.Role))
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	if a := normalize(imageAnnotation); a != "" {
		if latestCarries(history, a) {
			b.WriteString("\nThe person's latest message includes a photo.")
		} else {
			b.WriteString("\nPhoto context for the latest message: ")
			b.WriteString(a)
		}
		b.WriteString("\nAcknowledge the photo gently. Do not comment on the person's physical appearance.\n")
	}
	b.WriteString("\nRespond as the Assistant to the person's latest message only.")
	return b.String()
}

// Opening is the fixed instruction used to generate the first assistant
// message of a session.
func Opening() string {
	return strings.Join([]string{
		"You are a compassionate wellbeing check-in companion starting a new conversation.",
		"Write a warm, brief opening message that makes the person feel safe to share.",
		"Include 2-3 gentle screening questions about mood, sleep, energy, or stress.",
		"Keep it under 150 words.",
		disclosure(),
	}, "\n")
}

// ImageSentiment is the fixed instruction sent with an image to obtain a
// short emotional-tone annotation.
func ImageSentiment() string {
	return strings.Join([]string{
		"Describe the apparent emotional tone of the person in this photo in one short sentence.",
		"Focus on visible mood cues such as expression and posture.",
		"Do not identify the person and do not comment on attractiveness.",
		"If no person or mood is visible, say so briefly.",
	}, "\n")
}

func preamble() string {
	return strings.Join([]string{
		"Role:",
		"You are a compassionate wellbeing check-in companion.",
		"",
		"Behavior Rules:",
		"1) Be warm, patient, and non-judgmental.",
		"2) Watch for signs of distress the person may be downplaying or concealing, and gently ask about them.",
		"3) Ask at most one or two follow-up questions at a time.",
		"4) Keep every response under 150 words.",
		"5) " + disclosure(),
		"6) If the person mentions self-harm or immediate danger, encourage them to contact local emergency services or a crisis line.",
	}, "\n")
}

func disclosure() string {
	return "Always make clear that you are not a licensed mental health professional and cannot provide a diagnosis."
}

func label(r domain.Role) string {
	if r == domain.RoleAssistant {
		return assistantLabel
	}
	return personLabel
}

func latestCarries(history []domain.Message, annotation string) bool {
	if len(history) == 0 {
		return false
	}
	return strings.Contains(normalize(history[len(history)-1].Content), annotation)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
