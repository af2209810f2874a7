// Package prompt holds the instruction-prompt variants and renders the full
// prompt sent to the completion provider: one fixed template interpolated
// with the user's query, the serialized transcript, and the current time.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/semarlabs/semar-go/internal/session"
)

// Template is one deployment-selectable instruction prompt. The variant is
// chosen by config at startup, never at runtime.
type Template struct {
	Name     string
	Version  string
	Greeting string
	Body     string

	greeting *template.Template
	body     *template.Template
}

type bodyData struct {
	Query       string
	ChatHistory string
	CurrentTime string
}

type greetingData struct {
	DisplayName   string
	PromptVersion string
}

const iotAssistantBody = `CONTEXT:
You are an IoT Setup Assistant. Your sole focus is assisting with IoT projects. Please skip any topics unrelated to IoT.

TASK:
Help the user create a complete IoT project setup by first gathering the PROJECT REQUIREMENTS, then helping with the PROJECT SETUP.
If the user speaks in Bahasa Indonesia, respond in Bahasa Indonesia. If the user speaks in English, respond in English.
Track the conversation using the CHAT HISTORY to determine which specifications have already been provided and which are still pending.
Always refer to the chat history before asking questions, to avoid asking for information that has already been confirmed.

For REQUIRED specifications keep asking until the information is given; once given, suggest appropriate hardware, sensors, and network components.
For OPTIONAL specifications proceed immediately if provided, or use defaults.

Required: project idea; processing board (default: Arduino); sensor connectivity (default: GPIO); network connectivity (default: WiFi); communication protocol (default: HTTP).
Optional: limitations, constraints, object distance.

Once every required specification is gathered, confirm the user is ready, then produce the IoT Project Document with the confirmed setup, integration steps, and example code.

Current time: {{.CurrentTime}}

User's Query:
{{.Query}}

Chat History:
{{.ChatHistory}}
`

const mathTutorBody = `You are a personal math tutor. Work through math questions step by step and show your reasoning. If the user asks a question outside of math, ask them to ask a math question instead.

Current time: {{.CurrentTime}}

User's Query:
{{.Query}}

Chat History:
{{.ChatHistory}}
`

const chefAssistantBody = `You are a helpful Chef Assistant.
Guide the user step-by-step through cooking their dish, starting with the ingredients and proceeding with clear instructions.
Use the chat history as context, build on previous steps, and keep a friendly, encouraging tone.

Your response should include the ingredients if the user asks for them, and the next step if the user is mid-way through the recipe.

Current time: {{.CurrentTime}}

User's Query:
{{.Query}}

Chat History:
{{.ChatHistory}}
`

const generalBody = `You are a helpful AI assistant. Respond to the user's request accurately and concisely, using the chat history as context.

Current time: {{.CurrentTime}}

User's Query:
{{.Query}}

Chat History:
{{.ChatHistory}}
`

// variants is the deployment configuration table: what used to be one file
// per assistant is one engine plus this table.
var variants = map[string]*Template{
	"iot-assistant": {
		Name:    "iot-assistant",
		Version: "v1.4",
		Greeting: "Halo {{.DisplayName}}! Saya Semar-Bot, asisten Setup IoT mu. Mari mulai dengan setup proyek IoT Anda.\n" +
			"Apa jenis proyek IoT yang sedang Anda kerjakan hari ini? Anda bisa mulai dengan menyatakan ide Anda untuk proyek tersebut.\n" +
			"_Loaded prompt version: {{.PromptVersion}}_",
		Body: iotAssistantBody,
	},
	"math-tutor": {
		Name:     "math-tutor",
		Version:  "v1.0",
		Greeting: "Hello {{.DisplayName}}! I am your math tutor. Ask me any math question.\n_Loaded prompt version: {{.PromptVersion}}_",
		Body:     mathTutorBody,
	},
	"chef-assistant": {
		Name:     "chef-assistant",
		Version:  "v1.0",
		Greeting: "Hello {{.DisplayName}}! I am your chef assistant. What would you like to cook today?\n_Loaded prompt version: {{.PromptVersion}}_",
		Body:     chefAssistantBody,
	},
	"general": {
		Name:     "general",
		Version:  "v1.0",
		Greeting: "Hello {{.DisplayName}}! You can ask me anything.\n_Loaded prompt version: {{.PromptVersion}}_",
		Body:     generalBody,
	},
}

// Lookup returns the template for a configured variant name.
func Lookup(name string) (*Template, error) {
	t, ok := variants[name]
	if !ok {
		return nil, fmt.Errorf("prompt: unknown variant %q", name)
	}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return t, nil
}

// Variants lists the known variant names, for startup diagnostics.
func Variants() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	return names
}

func (t *Template) compile() error {
	if t.body != nil {
		return nil
	}
	body, err := template.New(t.Name).Parse(t.Body)
	if err != nil {
		return fmt.Errorf("prompt: parse %s body: %w", t.Name, err)
	}
	greeting, err := template.New(t.Name + "-greeting").Parse(t.Greeting)
	if err != nil {
		return fmt.Errorf("prompt: parse %s greeting: %w", t.Name, err)
	}
	t.body = body
	t.greeting = greeting
	return nil
}

// Render produces the full prompt text: the instruction body interpolated
// with the query, the serialized transcript, and the current time, followed
// by any extra system prompts discovered at startup. The result is also the
// text whose token count is billed as input.
func (t *Template) Render(query string, transcript []session.Turn, now time.Time, extra []string) (string, error) {
	var history strings.Builder
	for _, turn := range transcript {
		if turn.Role == session.RoleUser {
			history.WriteString("User: ")
		} else {
			history.WriteString("Assistant: ")
		}
		history.WriteString(turn.Content)
		history.WriteString("\n")
	}

	var out strings.Builder
	err := t.body.Execute(&out, bodyData{
		Query:       query,
		ChatHistory: history.String(),
		CurrentTime: now.Format("2006-01-02 15:04:05"),
	})
	if err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", t.Name, err)
	}
	for _, p := range extra {
		out.WriteString("\n\n")
		out.WriteString(p)
	}
	return out.String(), nil
}

// RenderGreeting produces the per-variant assistant greeting shown when a
// session starts. It is display-only and never persisted, so transcripts
// always begin with a user turn.
func (t *Template) RenderGreeting(displayName string) (string, error) {
	var out strings.Builder
	err := t.greeting.Execute(&out, greetingData{
		DisplayName:   displayName,
		PromptVersion: t.Version,
	})
	if err != nil {
		return "", fmt.Errorf("prompt: render %s greeting: %w", t.Name, err)
	}
	return out.String(), nil
}
