package interpret

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownPrompt is returned when a prompt name or hash is not registered.
var ErrUnknownPrompt = errors.New("interpret: unknown prompt")

// DefaultPromptName is the name of the built-in template.
const DefaultPromptName = "default"

const defaultSystemPrompt = `You are the memory assistant of a personal voice recorder.

You receive one event as JSON: a transcript of something the user just said,
ASR and speaker confidences, the predicted intent, optional location, the
recent transcripts of the same session and related memories the user has
already approved.

Decide which long-term actions the event warrants:
- "add_memory": a fact worth remembering later.
- "add_shopping_item": something the user wants to buy. text is the item only.
- "none": nothing worth keeping.

Rules:
- Never invent facts that are not in the transcript.
- Prefer one precise action over several vague ones.
- Do not repeat a related memory that already says the same thing.
- importance is between 0.0 and 1.0.
- quality.confidence is your confidence that the transcript was understood.
- quality.issues lists short snake_case problems (e.g. "ambiguous_reference").

Respond with ONLY one JSON object in this exact format:
{
  "actions": [
    {
      "type": "add_memory",
      "text": "<what to remember>",
      "tags": ["<tag>"],
      "importance": 0.6,
      "predicted_intent": "memory_candidate",
      "quality": {"confidence": 0.9, "issues": [], "suggestion": ""}
    }
  ]
}

If nothing should be kept, return {"actions": [{"type": "none"}]}.`

// Prompt is a named system prompt. Its hash is part of every model version
// so changing the wording produces a new version.
type Prompt struct {
	Name   string
	System string
}

// Hash returns the hex SHA-256 over name and content.
func (p Prompt) Hash() string {
	sum := sha256.Sum256([]byte(p.Name + "\x00" + p.System))
	return hex.EncodeToString(sum[:])
}

// Prompts is a registry of prompt templates keyed by name and by hash.
// It is safe for concurrent use.
type Prompts struct {
	mu     sync.RWMutex
	byName map[string]Prompt
	byHash map[string]Prompt
}

// NewPrompts returns an empty registry.
func NewPrompts() *Prompts {
	return &Prompts{
		byName: make(map[string]Prompt),
		byHash: make(map[string]Prompt),
	}
}

// DefaultPrompts returns a registry holding the built-in template.
func DefaultPrompts() *Prompts {
	r := NewPrompts()
	_ = r.Register(Prompt{Name: DefaultPromptName, System: defaultSystemPrompt})
	return r
}

// Register adds p. Re-registering a name replaces the name lookup but keeps
// the old hash resolvable so versions created with it can still be replayed.
func (r *Prompts) Register(p Prompt) error {
	if p.Name == "" || p.System == "" {
		return fmt.Errorf("interpret: prompt name and content must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[p.Name] = p
	r.byHash[p.Hash()] = p
	return nil
}

// Get returns the current template registered under name.
func (r *Prompts) Get(name string) (Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %q", ErrUnknownPrompt, name)
	}
	return p, nil
}

// Hash returns the hash of the current template registered under name.
func (r *Prompts) Hash(name string) (string, error) {
	p, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return p.Hash(), nil
}

// ByHash returns the template whose content hashes to h.
func (r *Prompts) ByHash(h string) (Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byHash[h]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: hash %q", ErrUnknownPrompt, h)
	}
	return p, nil
}

// Names returns the registered names in sorted order.
func (r *Prompts) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
