package policygen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

var (
	ErrGeneration       = errors.New("policy generation failed")
	ErrPolicyValidation = errors.New("policy validation failed")
)

const promptTemplate = "Generate a least privileged AWS IAM policy JSON for the following description: %s - return only the JSON object."

const DefaultModel = openai.GPT4o

type Generator interface {
	Generate(ctx context.Context, description string) (models.PolicyDocument, error)
}

type Validator interface {
	Validate(ctx context.Context, policy models.PolicyDocument) error
}

// ChatCompleter is the slice of the OpenAI client the generator needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMGenerator asks a chat-completion model for a policy and extracts the
// first JSON object from the reply.
type LLMGenerator struct {
	client ChatCompleter
	model  string
	log    zerolog.Logger
}

func NewLLMGenerator(client ChatCompleter, model string, log zerolog.Logger) *LLMGenerator {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &LLMGenerator{client: client, model: model, log: log}
}

// NewOpenAIClient builds a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(apiKey, baseURL string, httpClient openai.HTTPDoer) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

func (g *LLMGenerator) Generate(ctx context.Context, description string) (models.PolicyDocument, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return models.PolicyDocument{}, fmt.Errorf("%w: empty policy description", ErrGeneration)
	}
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf(promptTemplate, description),
		}},
		Temperature: 0,
	})
	if err != nil {
		return models.PolicyDocument{}, fmt.Errorf("%w: completion request: %v", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return models.PolicyDocument{}, fmt.Errorf("%w: provider returned no completion", ErrGeneration)
	}
	g.log.Debug().Str("model", g.model).Int("completion_tokens", resp.Usage.CompletionTokens).Msg("policy completion received")
	raw, err := ExtractPolicy(resp.Choices[0].Message.Content)
	if err != nil {
		return models.PolicyDocument{}, err
	}
	doc, err := models.ParsePolicyDocument(raw)
	if err != nil {
		return models.PolicyDocument{}, fmt.Errorf("%w: completion is not a usable policy document: %v", ErrGeneration, err)
	}
	return doc, nil
}

// ExtractPolicy returns the first top-level JSON object embedded in text.
// Braces inside prose before the object are skipped.
func ExtractPolicy(text string) (json.RawMessage, error) {
	data := []byte(text)
	for start := bytes.IndexByte(data, '{'); start >= 0; {
		dec := json.NewDecoder(bytes.NewReader(data[start:]))
		var obj json.RawMessage
		if err := dec.Decode(&obj); err == nil && len(obj) > 0 && obj[0] == '{' {
			return obj, nil
		}
		next := bytes.IndexByte(data[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, fmt.Errorf("%w: no JSON object in completion", ErrGeneration)
}

// DemoGenerator returns a fixed read-only EC2 policy without calling a model.
type DemoGenerator struct{}

func (DemoGenerator) Generate(ctx context.Context, description string) (models.PolicyDocument, error) {
	return DemoPolicy(), nil
}

func DemoPolicy() models.PolicyDocument {
	return models.PolicyDocument{
		Version: "2012-10-17",
		Statement: models.Statements{{
			Effect: "Allow",
			Action: models.StringList{
				"ec2:DescribeInstances",
				"ec2:DescribeImages",
				"ec2:DescribeTags",
				"ec2:DescribeSnapshots",
			},
			Resource: models.StringList{"*"},
		}},
	}
}

// StructuralValidator runs only the local document checks.
type StructuralValidator struct{}

func (StructuralValidator) Validate(ctx context.Context, policy models.PolicyDocument) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyValidation, err)
	}
	return nil
}
