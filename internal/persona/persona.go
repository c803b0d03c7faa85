package persona

import (
	"fmt"
	"strings"

	"github.com/davidwalker2235/fulgencio-project/internal/protocol"
)

// FallbackName is used when a user record has no usable name field.
const FallbackName = "invitado"

// Record keys that may hold the user's display name, in priority order.
var nameKeys = []string{"fullName", "full_name", "name", "nombre", "displayName", "display_name", "firstName", "first_name"}

// Identity is the resolved user a session is locked to.
type Identity interface {
	Identity() (identifier string, record map[string]any, ok bool)
}

// DisplayName returns the first non-empty name alias in record.
func DisplayName(record map[string]any) string {
	for _, k := range nameKeys {
		v, ok := record[k]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return FallbackName
}

// BuildInstructions returns the directive that makes the assistant address the
// resolved user by name. The identifier never appears in the text so the model
// has nothing numeric to echo back as a form of address.
func BuildInstructions(_ string, record map[string]any) string {
	name := DisplayName(record)
	return fmt.Sprintf(
		"El usuario ya se ha identificado y se llama %s. "+
			"Dirígete siempre al usuario por su nombre, %s, y saluda usando su nombre en tu próxima respuesta. "+
			"Nunca te dirijas al usuario por su número de pedido ni por ningún otro número.",
		name, name,
	)
}

// SessionInstructions combines the personalization directive with the base
// assistant instructions for a session-level update.
func SessionInstructions(identifier string, record map[string]any, base string) string {
	directive := BuildInstructions(identifier, record)
	if base = strings.TrimSpace(base); base == "" {
		return directive
	}
	return directive + "\n\n" + base
}

// Inject prepends the personalization directive to a response request. The
// request is returned unchanged while the session is still anonymous.
func Inject(req protocol.ResponseCreate, who Identity) protocol.ResponseCreate {
	if who == nil {
		return req
	}
	identifier, record, ok := who.Identity()
	if !ok {
		return req
	}
	directive := BuildInstructions(identifier, record)
	if existing := strings.TrimSpace(req.Response.Instructions); existing != "" {
		req.Response.Instructions = directive + "\n\n" + existing
	} else {
		req.Response.Instructions = directive
	}
	return req
}
