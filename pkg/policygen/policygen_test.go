package policygen

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

type fakeCompleter struct {
	resp openai.ChatCompletionResponse
	err  error
	reqs []openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func completion(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}}}
}

func TestExtractPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{name: "bare", text: `{"Version":"2012-10-17"}`, want: `{"Version":"2012-10-17"}`, ok: true},
		{name: "fenced", text: "Here you go:\n```json\n{\"a\":{\"b\":1}}\n```\nDone {x}", want: `{"a":{"b":1}}`, ok: true},
		{name: "prose braces first", text: "Use {placeholder} then {\"ok\":true} trailing }", want: `{"ok":true}`, ok: true},
		{name: "two objects", text: `{"first":1} {"second":2}`, want: `{"first":1}`, ok: true},
		{name: "none", text: "no json here", ok: false},
		{name: "unterminated", text: `{"Version": "2012-10-17"`, ok: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractPolicy(tc.text)
			if !tc.ok {
				if !errors.Is(err, ErrGeneration) {
					t.Fatalf("expected ErrGeneration, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestLLMGeneratorGenerate(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{resp: completion("Sure!\n```json\n" + `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":"s3:GetObject","Resource":"arn:aws:s3:::logs/*"}]}` + "\n```")}
	gen := NewLLMGenerator(fake, "", zerolog.Nop())

	doc, err := gen.Generate(context.Background(), "  read the logs bucket ")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("generated policy invalid: %v", err)
	}
	if !reflect.DeepEqual(doc.Actions(), []string{"s3:GetObject"}) {
		t.Fatalf("unexpected actions %v", doc.Actions())
	}
	if len(fake.reqs) != 1 {
		t.Fatalf("expected one completion request, got %d", len(fake.reqs))
	}
	req := fake.reqs[0]
	if req.Model != DefaultModel {
		t.Fatalf("expected default model, got %q", req.Model)
	}
	if !strings.Contains(req.Messages[0].Content, "least privileged") || !strings.Contains(req.Messages[0].Content, ": read the logs bucket - ") {
		t.Fatalf("unexpected prompt %q", req.Messages[0].Content)
	}
}

func TestLLMGeneratorFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]*fakeCompleter{
		"provider error": {err: errors.New("503")},
		"no choices":     {resp: openai.ChatCompletionResponse{}},
		"blank content":  {resp: completion("   ")},
		"no object":      {resp: completion("I cannot help with that.")},
		"wrong shape":    {resp: completion(`{"Statement": "nope"}`)},
		"no statements":  {resp: completion(`{"Version":"2012-10-17","Statement":[]}`)},
		"unknown field":  {resp: completion(`{"Version":"2012-10-17","Policy":{},"Statement":[{"Effect":"Allow","Action":"s3:*","Resource":"*"}]}`)},
	}
	for name, fake := range cases {
		if _, err := NewLLMGenerator(fake, "gpt-4o-mini", zerolog.Nop()).Generate(context.Background(), "anything"); !errors.Is(err, ErrGeneration) {
			t.Fatalf("%s: expected ErrGeneration, got %v", name, err)
		}
	}
	if _, err := NewLLMGenerator(&fakeCompleter{}, "", zerolog.Nop()).Generate(context.Background(), " "); !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected empty description to fail, got %v", err)
	}
}

func TestNewOpenAIClientUsesEndpoint(t *testing.T) {
	t.Parallel()

	var path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, auth = r.URL.Path, r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"{\"Version\":\"2012-10-17\",\"Statement\":[{\"Effect\":\"Allow\",\"Action\":[\"ec2:DescribeTags\"],\"Resource\":\"*\"}]}"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL+"/v1/", srv.Client())
	doc, err := NewLLMGenerator(client, "", zerolog.Nop()).Generate(context.Background(), "describe tags")
	if err != nil {
		t.Fatalf("generate via http: %v", err)
	}
	if path != "/v1/chat/completions" || auth != "Bearer sk-test" {
		t.Fatalf("unexpected request path=%q auth=%q", path, auth)
	}
	if doc.Actions()[0] != "ec2:DescribeTags" {
		t.Fatalf("unexpected policy %+v", doc)
	}
}

func TestDemoGeneratorAndStructuralValidator(t *testing.T) {
	t.Parallel()

	doc, err := DemoGenerator{}.Generate(context.Background(), "ignored")
	if err != nil {
		t.Fatalf("demo generate: %v", err)
	}
	if len(doc.Actions()) != 4 {
		t.Fatalf("expected canned EC2 policy, got %v", doc.Actions())
	}
	if err := (StructuralValidator{}).Validate(context.Background(), doc); err != nil {
		t.Fatalf("demo policy should validate: %v", err)
	}
	if err := (StructuralValidator{}).Validate(context.Background(), models.PolicyDocument{Version: "2012-10-17"}); !errors.Is(err, ErrPolicyValidation) {
		t.Fatalf("expected ErrPolicyValidation, got %v", err)
	}
}

type fakeSimulator struct {
	in  *iam.SimulateCustomPolicyInput
	err error
}

func (f *fakeSimulator) SimulateCustomPolicy(ctx context.Context, in *iam.SimulateCustomPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulateCustomPolicyOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &iam.SimulateCustomPolicyOutput{}, nil
}

func TestIAMValidator(t *testing.T) {
	t.Parallel()

	sim := &fakeSimulator{}
	v := NewIAMValidator(sim, zerolog.Nop())
	if err := v.Validate(context.Background(), DemoPolicy()); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(sim.in.PolicyInputList) != 1 || !strings.Contains(sim.in.PolicyInputList[0], `"ec2:DescribeInstances"`) {
		t.Fatalf("unexpected policy input %v", sim.in.PolicyInputList)
	}
	if len(sim.in.ActionNames) != 4 {
		t.Fatalf("expected policy actions to be simulated, got %v", sim.in.ActionNames)
	}

	wildcard := models.PolicyDocument{Version: "2012-10-17", Statement: models.Statements{{Effect: "Allow", Action: models.StringList{"s3:*"}, Resource: models.StringList{"*"}}}}
	if err := v.Validate(context.Background(), wildcard); err != nil {
		t.Fatalf("validate wildcard: %v", err)
	}
	if !reflect.DeepEqual(sim.in.ActionNames, []string{fallbackAction}) {
		t.Fatalf("expected fallback action for wildcard-only policy, got %v", sim.in.ActionNames)
	}
}

func TestIAMValidatorFailures(t *testing.T) {
	t.Parallel()

	sim := &fakeSimulator{err: errors.New("MalformedPolicyDocument: syntax errors in policy")}
	v := NewIAMValidator(sim, zerolog.Nop())
	if err := v.Validate(context.Background(), DemoPolicy()); !errors.Is(err, ErrPolicyValidation) {
		t.Fatalf("expected ErrPolicyValidation from simulator, got %v", err)
	}

	sim = &fakeSimulator{}
	v = NewIAMValidator(sim, zerolog.Nop())
	bad := models.PolicyDocument{Version: "2012-10-17", Statement: models.Statements{{Effect: "Maybe", Action: models.StringList{"ec2:DescribeTags"}, Resource: models.StringList{"*"}}}}
	if err := v.Validate(context.Background(), bad); !errors.Is(err, ErrPolicyValidation) {
		t.Fatalf("expected local validation failure, got %v", err)
	}
	if sim.in != nil {
		t.Fatal("locally invalid policy must not reach the simulator")
	}
}
