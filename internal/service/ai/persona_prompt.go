package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/persona"
)

var (
	ErrPersonaNotFound  = errors.New("persona not found")
	ErrEmptyInstruction = errors.New("persona has empty instruction")
)

// Profile is what a voice session needs from a persona.
type Profile struct {
	PersonaID   string
	Title       string
	Instruction string
	Voice       string
}

// Resolver looks up personas and renders their system instruction.
type Resolver struct {
	personas    persona.Store
	base        prompt.ChatTemplate
	withOpening prompt.ChatTemplate
}

// NewResolver creates a Resolver backed by the persona store.
func NewResolver(personas persona.Store) *Resolver {
	identity := schema.SystemMessage("Your name is {name} and you tutor {subject}. Speak in a {tone} tone and keep replies short enough to be spoken aloud.")
	return &Resolver{
		personas: personas,
		base: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{instruction}"),
			identity,
		),
		withOpening: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{instruction}"),
			identity,
			schema.SystemMessage("Open the conversation with: {opening}"),
		),
	}
}

// ResolvePersona resolves key (persona ID or title) into a Profile. It fails
// with ErrPersonaNotFound or ErrEmptyInstruction.
func (r *Resolver) ResolvePersona(ctx context.Context, key string) (Profile, error) {
	p, ok := r.personas.Find(key)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrPersonaNotFound, key)
	}

	instruction := strings.TrimSpace(p.Instruction)
	if instruction == "" {
		return Profile{}, fmt.Errorf("%w: %q", ErrEmptyInstruction, p.ID)
	}

	rendered, err := r.render(ctx, p, instruction)
	if err != nil {
		return Profile{}, fmt.Errorf("render instruction for %q: %w", p.ID, err)
	}

	return Profile{
		PersonaID:   p.ID,
		Title:       p.Title,
		Instruction: rendered,
		Voice:       p.VoiceID,
	}, nil
}

func (r *Resolver) render(ctx context.Context, p persona.Persona, instruction string) (string, error) {
	vars := map[string]any{
		"instruction": instruction,
		"name":        firstNonEmpty(p.Name, p.Title, "your tutor"),
		"subject":     firstNonEmpty(p.Subject, "the student"),
		"tone":        firstNonEmpty(p.Tone, "friendly"),
	}

	template := r.base
	if opening := strings.TrimSpace(p.OpeningLine); opening != "" {
		vars["opening"] = opening
		template = r.withOpening
	}

	messages, err := template.Format(ctx, vars)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
