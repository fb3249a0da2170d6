package genai

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// IncidentContext 提供给模型的单条事件
type IncidentContext struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Source      string    `json:"source"`
	Category    string    `json:"category,omitempty"`
	Severity    int       `json:"severity,omitempty"`
	Location    string    `json:"location,omitempty"`
	Score       float64   `json:"score"`
	PublishedAt time.Time `json:"published_at"`
}

// ProtocolContext 提供给模型的单条预案
type ProtocolContext struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Summary      string  `json:"summary"`
	DisasterType string  `json:"disaster_type,omitempty"`
	Score        float64 `json:"score"`
}

// Context 检索得到的上下文
type Context struct {
	Incidents []IncidentContext `json:"incidents"`
	Protocols []ProtocolContext `json:"protocols"`
}

// Empty 没有任何事件和预案
func (c Context) Empty() bool { return len(c.Incidents) == 0 && len(c.Protocols) == 0 }

const responseSystem = "You are a disaster response coordinator assisting emergency operators. " +
	"Answer using only the incidents and protocols provided. Cite incident and protocol titles you rely on. " +
	"Give concrete, prioritized actions. If the context is insufficient, say so plainly."

// GenerateResponse 基于检索上下文生成回答
func (c *Client) GenerateResponse(ctx context.Context, query string, rc Context) (string, error) {
	return c.complete(ctx, "generate_response", responseSystem, BuildResponsePrompt(query, rc), false, 0)
}

// BuildResponsePrompt 构造回答生成的用户提示
func BuildResponsePrompt(query string, rc Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operator question: %s\n\n", strings.TrimSpace(query))

	b.WriteString("Recent incidents:\n")
	if len(rc.Incidents) == 0 {
		b.WriteString("(none found)\n")
	}
	for i, inc := range rc.Incidents {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, inc.Source, inc.Title)
		if inc.Severity > 0 {
			fmt.Fprintf(&b, " (severity %d/5)", inc.Severity)
		}
		if inc.Location != "" {
			fmt.Fprintf(&b, " @ %s", inc.Location)
		}
		if !inc.PublishedAt.IsZero() {
			fmt.Fprintf(&b, " %s", inc.PublishedAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "\n   %s\n", inc.Summary)
	}

	b.WriteString("\nResponse protocols:\n")
	if len(rc.Protocols) == 0 {
		b.WriteString("(none found)\n")
	}
	for i, p := range rc.Protocols {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, p.Title, p.Summary)
	}

	b.WriteString("\nWrite a situation summary followed by recommended actions.")
	return b.String()
}
