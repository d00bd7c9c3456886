package render

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// UserDataTemplate is the embedded substitute user data.
const UserDataTemplate = "userdata.tmpl"

// DefaultMessage is echoed to the console by the default substitute.
const DefaultMessage = "HELLO FROM USER DATA SCRIPT"

// UserData parameterises UserDataTemplate.
type UserData struct {
	Message  string
	Commands []string
}

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Option("missingkey=error").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// RenderText parses text as a one-off template and executes it with data.
// Payloads supplied by operators go through here so they can use the same
// fields as the embedded template.
func RenderText(name, text string, data any) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", name, err)
	}
	buf := bytes.NewBuffer(nil)
	if err := t.Execute(buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DefaultUserData renders the embedded substitute with data, filling in
// DefaultMessage when no message is given.
func (e *Engine) DefaultUserData(data UserData) ([]byte, error) {
	if data.Message == "" {
		data.Message = DefaultMessage
	}
	out, err := e.Render(UserDataTemplate, data)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}
