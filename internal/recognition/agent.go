package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"

	"github.com/bdougie/argus/internal/extractor"
	"github.com/bdougie/argus/internal/models"
)

const (
	timestampPrompt = "Read the date and time printed in the top-left corner of this camera frame. " +
		"Reply with only the text, formatted as YYYY-MM-DD HH:MM:SS or HH:MM:SS. Reply NONE if there is none."
	trainPrompt = "Read the locomotive series and number painted on the train in this frame, for example ЭП20 076. " +
		"Reply with only the series and the number separated by a space. Reply NONE if no train is visible."
)

// AgentConfig configures the vision model used for reading frames.
type AgentConfig struct {
	BaseURL string
	Port    int
	Model   string
	// Confidence is assigned to every reading; the model reports none.
	Confidence float64
	// FrameDir receives frames grabbed from the video when a frame has no image.
	FrameDir string
}

// DefaultAgentConfig returns settings for a local Ollama instance.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		BaseURL:    "http://localhost",
		Port:       11434,
		Model:      "llama3.2-vision:11b",
		Confidence: 0.6,
		FrameDir:   filepath.Join(os.TempDir(), "argus-frames"),
	}
}

// visionModel answers a prompt about an image.
type visionModel interface {
	Describe(ctx context.Context, prompt, imagePath string) (string, error)
}

// AgentRecognizer asks a vision language model to read text from frames.
type AgentRecognizer struct {
	model  visionModel
	cfg    AgentConfig
	logger *slog.Logger
}

// NewAgentRecognizer initializes the Ollama-backed vision agent
func NewAgentRecognizer(ctx context.Context, cfg AgentConfig, logger *slog.Logger) (*AgentRecognizer, error) {
	// Set up Ollama provider
	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	provider.UseModel(ctx, &types.Model{ID: cfg.Model})

	a := agent.NewAgent(&agent.NewAgentConfig{
		Provider:     provider,
		Logger:       logger,
		SystemPrompt: "You read text from railway depot CCTV frames. Answer with the requested text only, never with explanations.",
	})
	return newAgentRecognizer(&agentModel{agent: a}, cfg, logger), nil
}

func newAgentRecognizer(m visionModel, cfg AgentConfig, logger *slog.Logger) *AgentRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentRecognizer{model: m, cfg: cfg, logger: logger}
}

// Timestamp reads the on-screen clock.
func (r *AgentRecognizer) Timestamp(ctx context.Context, frame models.Frame) (string, error) {
	answer, err := r.ask(ctx, frame, timestampPrompt)
	if err != nil {
		return "", err
	}
	if !timePattern.MatchString(strings.ReplaceAll(answer, ".", ":")) {
		return "", ErrNotFound
	}
	return answer, nil
}

var numberToken = regexp.MustCompile(`^\d{3,4}$`)

// Train reads the locomotive series and number.
func (r *AgentRecognizer) Train(ctx context.Context, frame models.Frame) (models.TrainReading, error) {
	answer, err := r.ask(ctx, frame, trainPrompt)
	if err != nil {
		return models.TrainReading{}, err
	}

	var model, number string
	for _, tok := range strings.FieldsFunc(answer, func(c rune) bool { return unicode.IsSpace(c) || c == '-' }) {
		switch {
		case numberToken.MatchString(tok):
			if number == "" {
				number = tok
			}
		case model == "" && hasLetterAndDigit(tok):
			model = tok
		}
	}
	if model == "" || number == "" {
		return models.TrainReading{}, ErrNotFound
	}
	return models.TrainReading{Model: model, Number: number, Confidence: r.cfg.Confidence}, nil
}

func (r *AgentRecognizer) ask(ctx context.Context, frame models.Frame, prompt string) (string, error) {
	imagePath, err := r.imageFor(ctx, frame)
	if err != nil {
		return "", err
	}

	answer, err := r.model.Describe(ctx, prompt, imagePath)
	if err != nil {
		return "", fmt.Errorf("vision model: %w", err)
	}
	answer = strings.TrimSpace(answer)
	r.logger.Debug("vision model answer", "frame", frame.Index, "answer", answer)

	if answer == "" || strings.EqualFold(answer, "none") {
		return "", ErrNotFound
	}
	return answer, nil
}

// imageFor returns the frame's image, grabbing it from the video when needed.
func (r *AgentRecognizer) imageFor(ctx context.Context, frame models.Frame) (string, error) {
	if frame.Image != "" {
		return frame.Image, nil
	}
	if frame.Video == "" {
		return "", ErrNotFound
	}

	fps := frame.FPS
	if fps <= 0 {
		fps = 25
	}
	offset := time.Duration(float64(frame.Index) / fps * float64(time.Second))
	name := strings.TrimSuffix(filepath.Base(frame.Video), filepath.Ext(frame.Video))
	out := filepath.Join(r.cfg.FrameDir, name, fmt.Sprintf("frame_%06d.jpg", frame.Index))

	if err := extractor.ExtractFrame(ctx, frame.Video, offset, out); err != nil {
		return "", err
	}
	return out, nil
}

func hasLetterAndDigit(s string) bool {
	var letter, digit bool
	for _, c := range s {
		letter = letter || unicode.IsLetter(c)
		digit = digit || unicode.IsDigit(c)
	}
	return letter && digit
}

// agentModel adapts the agent-api agent to visionModel.
type agentModel struct {
	agent *agent.DefaultAgent
}

func (m *agentModel) Describe(ctx context.Context, prompt, imagePath string) (string, error) {
	response := m.agent.Run(
		ctx,
		agent.WithInput(prompt),
		agent.WithImagePath(imagePath),
	)
	if response.Err != nil {
		return "", response.Err
	}

	// Extract the actual response content
	if len(response.Messages) == 0 {
		return "", fmt.Errorf("no response messages received from model")
	}

	// Get the model's response (not the prompt)
	return response.Messages[len(response.Messages)-1].Content, nil
}
