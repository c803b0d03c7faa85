package persona

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davidwalker2235/fulgencio-project/internal/protocol"
)

type fixedIdentity struct {
	id     string
	record map[string]any
	ok     bool
}

func (f fixedIdentity) Identity() (string, map[string]any, bool) { return f.id, f.record, f.ok }

func TestDisplayNameAliases(t *testing.T) {
	assert.Equal(t, "Ana", DisplayName(map[string]any{"fullName": "Ana"}))
	assert.Equal(t, "Luis", DisplayName(map[string]any{"nombre": " Luis "}))
	assert.Equal(t, "Eva", DisplayName(map[string]any{"fullName": "  ", "name": "Eva"}))
	assert.Equal(t, FallbackName, DisplayName(map[string]any{"email": "x@example.com"}))
	assert.Equal(t, FallbackName, DisplayName(nil))
}

func TestInjectAddsNameWithoutIdentifier(t *testing.T) {
	who := fixedIdentity{id: "4821", record: map[string]any{"fullName": "Ana"}, ok: true}

	got := Inject(protocol.NewResponseCreate(), who)

	assert.Contains(t, got.Response.Instructions, "Ana")
	assert.NotContains(t, got.Response.Instructions, "4821")
	assert.False(t, strings.ContainsAny(got.Response.Instructions, "0123456789"))
}

func TestInjectPrependsToExistingInstructions(t *testing.T) {
	who := fixedIdentity{id: "7", record: map[string]any{"name": "Ana"}, ok: true}
	req := protocol.NewResponseCreate()
	req.Response.Instructions = "Responde en una frase."

	got := Inject(req, who)

	assert.True(t, strings.HasPrefix(got.Response.Instructions, BuildInstructions("7", who.record)))
	assert.True(t, strings.HasSuffix(got.Response.Instructions, "Responde en una frase."))
}

func TestInjectNoopWhenAnonymous(t *testing.T) {
	req := protocol.NewResponseCreate()
	req.Response.Instructions = "keep"

	got := Inject(req, fixedIdentity{})
	assert.Equal(t, "keep", got.Response.Instructions)

	got = Inject(req, nil)
	assert.Equal(t, "keep", got.Response.Instructions)
}

func TestSessionInstructions(t *testing.T) {
	rec := map[string]any{"fullName": "Ana"}
	got := SessionInstructions("42", rec, "Eres un asistente amable.")
	assert.True(t, strings.HasPrefix(got, BuildInstructions("42", rec)))
	assert.Contains(t, got, "Eres un asistente amable.")
	assert.Equal(t, BuildInstructions("42", rec), SessionInstructions("42", rec, "  "))
}

func TestBuildInstructionsUsesNeutralAddress(t *testing.T) {
	got := BuildInstructions("42", map[string]any{"fullName": "Alex"})
	assert.Contains(t, got, "Dirígete siempre al usuario por su nombre, Alex")
	for _, gendered := range []string{" a él ", " a ella ", "salúdale", "salúdalo", "salúdala"} {
		assert.NotContains(t, got, gendered)
	}
}
