package gemini

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/recipe-be/internal/generation"
	"github.com/cuongbtq/recipe-be/internal/recipe"
	"github.com/cuongbtq/recipe-be/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

const omeletteJSON = `{"recipes":[{"title":"Omelette","ingredients":[{"name":"egg","quantity":"2"}],"steps":["Whisk","Fry"]}]}`

type fakeModels struct {
	resp     *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	f.config = config
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func TestParseRecipes(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantTitle string
		wantErr   bool
	}{
		{name: "object", text: omeletteJSON, wantTitle: "Omelette"},
		{name: "markdown fence", text: "```json\n" + omeletteJSON + "\n```", wantTitle: "Omelette"},
		{name: "bare array", text: `[{"title":"Soup","ingredients":[{"name":"leek"}],"steps":["Boil"]}]`, wantTitle: "Soup"},
		{name: "not json", text: "Here are some recipes!", wantErr: true},
		{name: "no recipes", text: `{"recipes":[]}`, wantErr: true},
		{name: "missing steps", text: `{"recipes":[{"title":"Toast","ingredients":[{"name":"bread"}]}]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipes, err := parseRecipes(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, generation.ErrInvalidResponse)
				return
			}
			require.NoError(t, err)
			require.Len(t, recipes, 1)
			assert.Equal(t, tt.wantTitle, recipes[0].Title)
		})
	}
}

func TestResponseText(t *testing.T) {
	tests := []struct {
		name    string
		resp    *genai.GenerateContentResponse
		want    string
		wantErr error
	}{
		{name: "nil", resp: nil, wantErr: generation.ErrInvalidResponse},
		{name: "no candidates", resp: &genai.GenerateContentResponse{}, wantErr: generation.ErrInvalidResponse},
		{
			name: "blocked",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}},
			wantErr: generation.ErrContentBlocked,
		},
		{
			name: "nil content",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}},
			wantErr: generation.ErrInvalidResponse,
		},
		{
			name: "multiple parts joined",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{{Text: `{"recipes":`}, {Text: `[]}`}}},
			}}},
			want: `{"recipes":[]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := responseText(tt.resp)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerator_Generate(t *testing.T) {
	models := &fakeModels{resp: textResponse(omeletteJSON)}
	g := newGenerator(models, &Config{MaxRecipes: 2}, logger.NewDiscard())

	recipes, err := g.Generate(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, []recipe.Recipe{{
		Title:       "Omelette",
		Ingredients: []recipe.Ingredient{{Name: "egg", Quantity: "2"}},
		Steps:       []string{"Whisk", "Fry"},
	}}, recipes)

	assert.Equal(t, DefaultModel, models.model)
	assert.Equal(t, "application/json", models.config.ResponseMIMEType)
	require.Len(t, models.contents, 1)
	parts := models.contents[0].Parts
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].Text, "up to 2 recipes")
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MIMEType)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xE0}, parts[1].InlineData.Data)
}

func TestGenerator_GenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		models  *fakeModels
		image   []byte
		wantErr error
	}{
		{name: "api failure is transient", models: &fakeModels{err: errors.New("503 unavailable")}, image: []byte{1}, wantErr: generation.ErrTransientFailure},
		{name: "timeout", models: &fakeModels{err: context.DeadlineExceeded}, image: []byte{1}, wantErr: context.DeadlineExceeded},
		{name: "blocked", models: &fakeModels{resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}}, image: []byte{1}, wantErr: generation.ErrContentBlocked},
		{name: "empty image", models: &fakeModels{}, image: nil, wantErr: generation.ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGenerator(tt.models, &Config{Timeout: time.Second}, logger.NewDiscard())
			_, err := g.Generate(context.Background(), tt.image, "image/jpeg")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGenerator_Close(t *testing.T) {
	g := newGenerator(&fakeModels{resp: textResponse(omeletteJSON)}, &Config{}, logger.NewDiscard())
	require.NoError(t, g.Close())

	_, err := g.Generate(context.Background(), []byte{1}, "image/jpeg")
	assert.ErrorIs(t, err, generation.ErrGeneratorClosed)
}

func TestNewGenerator_RequiresAPIKey(t *testing.T) {
	_, err := NewGenerator(context.Background(), &Config{}, logger.NewDiscard())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)
}
