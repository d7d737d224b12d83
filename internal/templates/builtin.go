package templates

import (
	"embed"
	"path"
	"strings"

	"go.uber.org/zap"
)

//go:embed builtin/*.html
var builtinFS embed.FS

type builtinTemplate struct {
	subject string
	body    string
}

const subjectPrefix = "<!-- subject:"

// loadBuiltin reads builtin/<clave>.html files. The first line of each file
// may be "<!-- subject: ... -->" to set the subject pattern.
func loadBuiltin(logger *zap.Logger) map[string]builtinTemplate {
	out := make(map[string]builtinTemplate)

	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		logger.Error("failed to read built-in templates", zap.Error(err))
		return out
	}

	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".html" {
			continue
		}
		raw, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			logger.Error("failed to read built-in template", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		clave := strings.TrimSuffix(e.Name(), ".html")
		out[clave] = parseBuiltin(clave, string(raw))
	}

	return out
}

func parseBuiltin(clave, raw string) builtinTemplate {
	t := builtinTemplate{subject: "Notificación " + clave, body: raw}

	first, rest, _ := strings.Cut(raw, "\n")
	first = strings.TrimSpace(first)
	if strings.HasPrefix(first, subjectPrefix) && strings.HasSuffix(first, "-->") {
		t.subject = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(first, subjectPrefix), "-->"))
		t.body = rest
	}
	t.body = strings.TrimSpace(t.body)
	return t
}
