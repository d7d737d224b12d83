package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
)

// LayoutNone disables the shared layout for a template.
const LayoutNone = "none"

// FooterLink is a link rendered in the layout footer.
type FooterLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Metadata is the layout and branding section of a template row.
type Metadata struct {
	LayoutID    string       `json:"layout_id,omitempty"`
	BrandColor  string       `json:"brand_color,omitempty"`
	AccentColor string       `json:"accent_color,omitempty"`
	LogoURL     string       `json:"logo_url,omitempty"`
	FooterText  string       `json:"footer_text,omitempty"`
	FooterLinks []FooterLink `json:"footer_links,omitempty"`
	Preheader   string       `json:"preheader,omitempty"`
}

// ParseMetadata decodes raw template metadata. Empty input is valid.
func ParseMetadata(raw json.RawMessage) (Metadata, error) {
	var m Metadata
	if len(bytes.TrimSpace(raw)) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// Brand holds the deployment-wide layout defaults. Template metadata
// overrides them field by field.
type Brand struct {
	Name        string
	Color       string
	AccentColor string
	LogoURL     string
	FooterText  string
}

// DefaultBrand is used when the deployment configures nothing.
func DefaultBrand() Brand {
	return Brand{
		Name:        "Flota",
		Color:       "#1f3a5f",
		AccentColor: "#f2a900",
		FooterText:  "Mensaje generado automáticamente, no responda a este correo.",
	}
}

type layoutData struct {
	Name        string
	Color       string
	AccentColor string
	LogoURL     string
	FooterText  string
	FooterLinks []FooterLink
	Preheader   string
	Body        template.HTML
}

var layout = template.Must(template.New("layout").Parse(`<!DOCTYPE html>
<html lang="es">
<head><meta charset="utf-8"><title>{{.Name}}</title></head>
<body style="margin:0;padding:0;background:#f4f5f7;font-family:Arial,Helvetica,sans-serif;">
{{- if .Preheader}}<div style="display:none;max-height:0;overflow:hidden;">{{.Preheader}}</div>{{end}}
<table role="presentation" width="100%" cellpadding="0" cellspacing="0">
<tr><td align="center" style="padding:24px 0;">
<table role="presentation" width="600" cellpadding="0" cellspacing="0" style="background:#ffffff;border-top:4px solid {{.AccentColor}};">
<tr><td style="background:{{.Color}};padding:16px 24px;color:#ffffff;font-size:18px;font-weight:bold;">
{{- if .LogoURL}}<img src="{{.LogoURL}}" alt="{{.Name}}" height="32" style="vertical-align:middle;">{{else}}{{.Name}}{{end -}}
</td></tr>
<tr><td style="padding:24px;color:#222222;font-size:14px;line-height:1.5;">{{.Body}}</td></tr>
<tr><td style="padding:16px 24px;color:#777777;font-size:12px;border-top:1px solid #e5e5e5;">
{{- .FooterText}}
{{- range $i, $l := .FooterLinks}}{{if $i}} · {{else}}<br>{{end}}<a href="{{$l.URL}}" style="color:{{$.Color}};">{{$l.Label}}</a>{{end}}
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

// Wrap places an already rendered HTML body inside the shared layout.
func (b Brand) Wrap(body string, meta *Metadata) string {
	d := layoutData{
		Name:        b.Name,
		Color:       b.Color,
		AccentColor: b.AccentColor,
		LogoURL:     b.LogoURL,
		FooterText:  b.FooterText,
		Body:        template.HTML(body),
	}
	if meta != nil {
		if meta.BrandColor != "" {
			d.Color = meta.BrandColor
		}
		if meta.AccentColor != "" {
			d.AccentColor = meta.AccentColor
		}
		if meta.LogoURL != "" {
			d.LogoURL = meta.LogoURL
		}
		if meta.FooterText != "" {
			d.FooterText = meta.FooterText
		}
		d.FooterLinks = meta.FooterLinks
		d.Preheader = meta.Preheader
	}

	var buf bytes.Buffer
	if err := layout.Execute(&buf, d); err != nil {
		return body
	}
	return buf.String()
}
