package agent

import (
	"github.com/xaenox/weather-chat/internal/guardrail"
	"github.com/xaenox/weather-chat/internal/models"
)

// GuardrailInstruction keeps the remote agent on weather topics. It is sent
// ahead of the transcript and never shown in the conversation.
const GuardrailInstruction = "You are a helpful Weather and Climate assistant. Only answer questions related to weather and climate: " +
	"current conditions, forecasts, temperatures, precipitation, wind, humidity, visibility, pressure, UV, air quality, etc. " +
	"If the user asks about anything unrelated, politely refuse and steer them back to a weather-related topic. " +
	"For valid weather questions, always provide the best answer you can. If key details like location or timeframe are missing, " +
	"ask a concise clarifying question (e.g., \"Which city and for what dates?\") rather than refusing."

// FormattingInstruction asks for a compact hourly list when the user wants a forecast.
const FormattingInstruction = "When the user asks about forecasts (hourly, tomorrow, weekly, 7-day), reply as a clean hourly list without extra explanations. " +
	"For each hour, include: Time (e.g., 12 am, 1 am), Temperature with unit, and a concise condition (Clear, Cloudy, Rain, etc.). " +
	"Example format: \n12 am    83°    Clear\n1 am     82°    Clear"

type ChatMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// Request is the body POSTed to the agent's stream endpoint.
type Request struct {
	Messages       []ChatMessage  `json:"messages"`
	RunID          string         `json:"runId"`
	MaxRetries     int            `json:"maxRetries"`
	MaxSteps       int            `json:"maxSteps"`
	Temperature    float64        `json:"temperature"`
	TopP           float64        `json:"topP"`
	RuntimeContext map[string]any `json:"runtimeContext"`
	ThreadID       string         `json:"threadId"`
	ResourceID     string         `json:"resourceId"`
}

// Options are the fixed orchestration parameters sent with every request.
type Options struct {
	RunID       string
	ResourceID  string
	MaxRetries  int
	MaxSteps    int
	Temperature float64
	TopP        float64
}

func DefaultOptions() Options {
	return Options{
		RunID:       "weatherAgent",
		ResourceID:  "weatherAgent",
		MaxRetries:  2,
		MaxSteps:    5,
		Temperature: 0.5,
		TopP:        1,
	}
}

// BuildRequest assembles the outbound request for utterance, which must not
// already be part of history.
func BuildRequest(opts Options, history []models.Message, utterance models.Message, threadID string) *Request {
	messages := make([]ChatMessage, 0, len(history)+3)
	messages = append(messages, ChatMessage{Role: models.RoleUser, Content: GuardrailInstruction})
	if guardrail.NeedsHourlyForecastFormat(utterance.Content) {
		messages = append(messages, ChatMessage{Role: models.RoleUser, Content: FormattingInstruction})
	}
	for _, m := range history {
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, ChatMessage{Role: utterance.Role, Content: utterance.Content})

	return &Request{
		Messages:       messages,
		RunID:          opts.RunID,
		MaxRetries:     opts.MaxRetries,
		MaxSteps:       opts.MaxSteps,
		Temperature:    opts.Temperature,
		TopP:           opts.TopP,
		RuntimeContext: map[string]any{},
		ThreadID:       threadID,
		ResourceID:     opts.ResourceID,
	}
}
