package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wellbeing-agent/internal/domain"
)

func sampleHistory() []domain.Message {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []domain.Message{
		{Role: domain.RoleAssistant, Content: "Hi, how have you been sleeping?", Timestamp: ts},
		{Role: domain.RoleUser, Content: "I feel tired lately", Timestamp: ts.Add(time.Minute)},
	}
}

func TestCompose_IsDeterministic(t *testing.T) {
	a := Compose(sampleHistory(), "looks calm")
	b := Compose(sampleHistory(), "looks calm")
	require.Equal(t, a, b)
}

func TestCompose_RendersTranscriptInOrder(t *testing.T) {
	out := Compose(sampleHistory(), "")
	require.Contains(t, out, "Assistant: Hi, how have you been sleeping?\nPerson: I feel tired lately\n")
	require.True(t, strings.HasSuffix(out, "Respond as the Assistant to the person's latest message only."))
	require.NotContains(t, out, "Photo context")
}

func TestCompose_IncludesPreambleRules(t *testing.T) {
	out := Compose(nil, "")
	require.Contains(t, out, "compassionate")
	require.Contains(t, out, "concealing")
	require.Contains(t, out, "under 150 words")
	require.Contains(t, out, "not a licensed mental health professional")
}

func TestCompose_ImageAnnotation(t *testing.T) {
	out := Compose(sampleHistory(), "  a  tired\nexpression ")
	require.Contains(t, out, "Photo context for the latest message: a tired expression")
	require.Contains(t, out, "Do not comment on the person's physical appearance.")
}

func TestCompose_AnnotationAlreadyInLatestMessage(t *testing.T) {
	annotation := "I'm also sharing a photo of myself. Photo impression: a tired expression"
	history := append(sampleHistory(), domain.Message{Role: domain.RoleUser, Content: "me today\n\n" + annotation})

	out := Compose(history, annotation)
	require.Equal(t, 1, strings.Count(out, "a tired expression"))
	require.NotContains(t, out, "Photo context")
	require.Contains(t, out, "The person's latest message includes a photo.")
	require.Contains(t, out, "Acknowledge the photo gently.")
}

func TestCompose_IgnoresTimestamps(t *testing.T) {
	h1 := sampleHistory()
	h2 := sampleHistory()
	h2[0].Timestamp = h2[0].Timestamp.Add(time.Hour)
	require.Equal(t, Compose(h1, ""), Compose(h2, ""))
}

func TestOpening_AsksScreeningQuestions(t *testing.T) {
	out := Opening()
	require.Contains(t, out, "2-3 gentle screening questions")
	require.Contains(t, out, "not a licensed mental health professional")
}

func TestImageSentiment_FixedPrompt(t *testing.T) {
	require.Equal(t, ImageSentiment(), ImageSentiment())
	require.Contains(t, ImageSentiment(), "emotional tone")
}
