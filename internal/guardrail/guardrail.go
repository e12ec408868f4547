package guardrail

import (
	"strings"

	"github.com/xaenox/weather-chat/internal/models"
)

// Guardrail decides whether a user utterance may be forwarded to the agent.
type Guardrail interface {
	IsOnTopic(utterance string, history []models.Message) bool
}

// HistoryWindow is how many trailing transcript entries count as recent context (about three exchanges).
const HistoryWindow = 6

var weatherKeywords = []string{
	"weather", "climate", "forecast", "temperature", "temp", "rain", "rainfall", "precip", "precipitation",
	"humidity", "wind", "snow", "storm", "thunder", "uv", "uv index", "sunrise", "sunset", "aqi", "air quality",
	"visibility", "pressure", "barometric", "dew point", "heat index", "feels like", "meteorology", "cyclone",
	"hurricane", "typhoon", "flood", "drought", "monsoon", "smog", "hail", "lightning", "gust", "breeze",
	"cloud", "cloudy", "clear sky", "overcast", "drizzle", "blizzard", "fog", "mist", "sleet",
	"weekly", "week", "7-day", "7 day", "today", "tomorrow", "hourly", "daily", "now", "real-time", "realtime",
}

var continuationPhrases = []string{
	"yes", "yeah", "yup", "sure", "okay", "ok", "pls", "please", "go ahead", "do it", "all", "both",
	"everything", "all details", "all info", "give me all details",
	"current", "now", "today", "tomorrow", "next week", "weekly", "hourly", "daily", "go on", "continue",
	"proceed", "fine", "alright", "right", "correct",
}

var forecastCues = []string{
	"forecast", "hourly", "7-day", "7 day", "next week", "tomorrow", "will it rain", "rain tomorrow", "weekly", "daily",
}

// KeywordGuardrail is the vocabulary based Guardrail.
type KeywordGuardrail struct {
	window int
}

func NewKeywordGuardrail() *KeywordGuardrail {
	return &KeywordGuardrail{window: HistoryWindow}
}

func (g *KeywordGuardrail) IsOnTopic(utterance string, history []models.Message) bool {
	if IsWeatherRelated(utterance) {
		return true
	}
	if !IsAffirmationOrContinuation(utterance) {
		return false
	}

	recent := history
	if len(recent) > g.window {
		recent = recent[len(recent)-g.window:]
	}
	for _, m := range recent {
		if IsWeatherRelated(m.Content) {
			return true
		}
	}
	return false
}

// IsOnTopic applies the default keyword guardrail.
func IsOnTopic(utterance string, history []models.Message) bool {
	return NewKeywordGuardrail().IsOnTopic(utterance, history)
}

// IsWeatherRelated reports whether text contains any weather vocabulary term.
func IsWeatherRelated(text string) bool {
	return containsAny(strings.ToLower(text), weatherKeywords)
}

// IsAffirmationOrContinuation matches short replies such as "yes" or "next week please"
// that only make sense with earlier context.
func IsAffirmationOrContinuation(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	for _, p := range continuationPhrases {
		if t == p || strings.HasPrefix(t, p+" ") {
			return true
		}
	}
	return false
}

// NeedsHourlyForecastFormat reports whether the reply should be nudged into an hourly list.
func NeedsHourlyForecastFormat(text string) bool {
	return containsAny(strings.ToLower(text), forecastCues)
}

func containsAny(content string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(content, keyword) {
			return true
		}
	}
	return false
}
