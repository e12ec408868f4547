package guardrail

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xaenox/weather-chat/internal/models"
)

func msg(role models.Role, content string) models.Message {
	return models.Message{ID: string(role) + "-" + content, Role: role, Content: content, Timestamp: time.Now()}
}

func TestIsWeatherRelated(t *testing.T) {
	for _, keyword := range weatherKeywords {
		assert.True(t, IsWeatherRelated("tell me about "+keyword), keyword)
		assert.True(t, IsWeatherRelated(strings.ToUpper(keyword)), keyword)
	}

	assert.True(t, IsWeatherRelated("What's the WEATHER in Mumbai?"))
	assert.False(t, IsWeatherRelated("Tell me a joke"))
	assert.False(t, IsWeatherRelated(""))
}

func TestIsAffirmationOrContinuation(t *testing.T) {
	for _, phrase := range continuationPhrases {
		assert.True(t, IsAffirmationOrContinuation(phrase), phrase)
		assert.True(t, IsAffirmationOrContinuation("  "+strings.ToUpper(phrase)+" "), phrase)
	}

	tests := []struct {
		text string
		want bool
	}{
		{"yes please", true},
		{"next week in Paris", true},
		{"", false},
		{"   ", false},
		{"yesterday", false},
		{"okapi", false},
		{"tell me a joke", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAffirmationOrContinuation(tt.text))
		})
	}
}

func TestIsOnTopic(t *testing.T) {
	weatherHistory := []models.Message{
		msg(models.RoleUser, "What's the weather in Mumbai?"),
		msg(models.RoleAssistant, "Which dates?"),
	}
	jokeHistory := []models.Message{
		msg(models.RoleUser, "Tell me a joke"),
	}

	assert.True(t, IsOnTopic("yes", weatherHistory))
	assert.False(t, IsOnTopic("yes", jokeHistory))
	assert.False(t, IsOnTopic("yes", nil))
	assert.True(t, IsOnTopic("Will it rain tomorrow?", nil))
	assert.False(t, IsOnTopic("Write me a poem", weatherHistory))
}

func TestIsOnTopicOnlyLooksAtRecentHistory(t *testing.T) {
	history := []models.Message{msg(models.RoleUser, "forecast for Oslo")}
	for i := 0; i < HistoryWindow; i++ {
		history = append(history, msg(models.RoleAssistant, "hello there"))
	}
	assert.False(t, IsOnTopic("ok", history))

	// The assistant's words count as context too.
	history[len(history)-1] = msg(models.RoleAssistant, "Humidity is 40%")
	assert.True(t, IsOnTopic("ok", history))
}

func TestNeedsHourlyForecastFormat(t *testing.T) {
	assert.True(t, NeedsHourlyForecastFormat("Hourly forecast for Delhi"))
	assert.True(t, NeedsHourlyForecastFormat("will it rain in London?"))
	assert.False(t, NeedsHourlyForecastFormat("current humidity in Pune"))
}

