package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Sensor Alarm {{.EventLabel}}]
Site: {{.Site}}
Device: {{.Device}}
Field: {{.Field}}
Level: {{.Level}}
Value: {{.Value}}
Condition: {{.Condition}}
Occurred At: {{.OccurredAt}}
Current Status: {{.Status}}
{{ if .Guide }}Guide: {{.Guide}}
{{ end }}{{ if .ReportURL }}Report: {{.ReportURL}}
{{ end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Site       string
	SiteID     string
	Device     string
	DeviceID   string
	Field      string
	Level      string
	Value      string
	Condition  string
	OccurredAt string
	Status     string
	StatusCode string
	Guide      string
	ReportURL  string
	Event      string
	EventLabel string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alarm-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alarm template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
