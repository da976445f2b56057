package handlers

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/Koki-dec/PiChat/internal/models"
)

// HandleSettings validates and persists the settings form, then pushes the
// (possibly new) API key into the completion client. Settings are persisted
// immediately on save; conversations created earlier keep their snapshots.
func (m Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	settings, err := parseSettingsForm(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.store.SaveSettings(r.Context(), settings)
	m.completer.SetAPIKey(settings.APIKey)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func parseSettingsForm(r *http.Request) (models.ChatSettings, error) {
	settings := models.ChatSettings{
		APIKey:       r.FormValue("api_key"),
		SystemPrompt: r.FormValue("system_prompt"),
	}

	model := r.FormValue("model")
	if !slices.Contains(models.TextModels, model) {
		return models.ChatSettings{}, fmt.Errorf("unknown model: %s", model)
	}
	settings.SelectedModel = model

	temperature, err := strconv.ParseFloat(r.FormValue("temperature"), 64)
	if err != nil {
		return models.ChatSettings{}, fmt.Errorf("invalid temperature: %w", err)
	}
	if temperature < models.MinTemperature || temperature > models.MaxTemperature {
		return models.ChatSettings{}, fmt.Errorf("temperature must be between %v and %v",
			models.MinTemperature, models.MaxTemperature)
	}
	settings.Temperature = temperature

	maxTokens, err := strconv.Atoi(r.FormValue("max_tokens"))
	if err != nil {
		return models.ChatSettings{}, fmt.Errorf("invalid max tokens: %w", err)
	}
	if maxTokens < models.MinMaxTokens || maxTokens > models.MaxMaxTokens {
		return models.ChatSettings{}, fmt.Errorf("max tokens must be between %d and %d",
			models.MinMaxTokens, models.MaxMaxTokens)
	}
	settings.MaxTokens = maxTokens

	return settings, nil
}
