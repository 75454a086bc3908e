// Package openai implements models.SimulationProvider against the OpenAI
// chat completions and batch APIs.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/venturelab/simcore/internal/config"
	"github.com/venturelab/simcore/pkg/models"
)

// Provider implements models.SimulationProvider using OpenAI.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig, timeout time.Duration) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string  { return "openai" }
func (p *Provider) Model() string { return p.cfg.Model }

const systemPrompt = `You are the economic engine of a student-run store simulation.
Given the store configuration, the week's scenario, the shared outcome, the
student's decisions, and the store's ledger history, compute the week's
economics. Respond with a single JSON object containing exactly these
fields: sales, revenue, costs, waste, cashBefore, cashAfter,
inventoryBefore, inventoryAfter, netProfit, randomEvent (string or null),
summary (string). Inventory values are objects with refrigerated, ambient
and nonResale numbers. Do not include any other fields or text.`

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Simulate runs one store week through the chat completions endpoint and
// strictly validates the response.
func (p *Provider) Simulate(ctx context.Context, input models.SimulationInput) (models.SimulationResult, error) {
	userContent, err := json.Marshal(input)
	if err != nil {
		return models.SimulationResult{}, fmt.Errorf("encoding simulation input: %w", err)
	}

	req := chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userContent)},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Temperature:    0.2,
	}

	var resp chatResponse
	if err := p.postJSON(ctx, "/chat/completions", req, &resp); err != nil {
		return models.SimulationResult{}, err
	}
	if resp.Error != nil {
		return models.SimulationResult{}, fmt.Errorf("openai error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return models.SimulationResult{}, fmt.Errorf("%w: empty choices", models.ErrInvalidSimulationResult)
	}

	return models.ParseSimulationResult(json.RawMessage(resp.Choices[0].Message.Content))
}

// batchLine is one JSONL request line in the batch input file, per the
// OpenAI batch file format.
type batchLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     chatRequest `json:"body"`
}

type fileResponse struct {
	ID    string    `json:"id"`
	Error *apiError `json:"error"`
}

type batchResponse struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	OutputFileID *string   `json:"output_file_id"`
	ErrorFileID  *string   `json:"error_file_id"`
	Error        *apiError `json:"error"`
}

type batchCreateRequest struct {
	InputFileID      string `json:"input_file_id"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`
}

// SubmitBatch uploads a JSONL input file and creates a batch over it.
func (p *Provider) SubmitBatch(ctx context.Context, items []models.BatchItem) (models.BatchHandle, error) {
	if len(items) == 0 {
		return models.BatchHandle{}, errors.New("empty batch")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		userContent, err := json.Marshal(item.Input)
		if err != nil {
			return models.BatchHandle{}, fmt.Errorf("encoding batch item %s: %w", item.CustomID, err)
		}
		line := batchLine{
			CustomID: item.CustomID,
			Method:   http.MethodPost,
			URL:      "/v1/chat/completions",
			Body: chatRequest{
				Model: p.cfg.Model,
				Messages: []chatMessage{
					{Role: "system", Content: systemPrompt},
					{Role: "user", Content: string(userContent)},
				},
				ResponseFormat: &responseFormat{Type: "json_object"},
				Temperature:    0.2,
			},
		}
		if err := enc.Encode(line); err != nil {
			return models.BatchHandle{}, fmt.Errorf("encoding batch line: %w", err)
		}
	}

	fileID, err := p.uploadFile(ctx, "batch.jsonl", buf.Bytes())
	if err != nil {
		return models.BatchHandle{}, err
	}

	var resp batchResponse
	createReq := batchCreateRequest{
		InputFileID:      fileID,
		Endpoint:         "/v1/chat/completions",
		CompletionWindow: "24h",
	}
	if err := p.postJSON(ctx, "/batches", createReq, &resp); err != nil {
		return models.BatchHandle{}, err
	}
	if resp.Error != nil {
		return models.BatchHandle{}, fmt.Errorf("openai batch error: %s", resp.Error.Message)
	}

	return models.BatchHandle{ExternalBatchID: resp.ID, InputFileID: fileID}, nil
}

// PollBatch reports the provider-side state of a batch.
func (p *Provider) PollBatch(ctx context.Context, externalBatchID string) (models.BatchPollResult, error) {
	var resp batchResponse
	if err := p.getJSON(ctx, "/batches/"+externalBatchID, &resp); err != nil {
		return models.BatchPollResult{}, err
	}
	if resp.Error != nil {
		return models.BatchPollResult{}, fmt.Errorf("openai batch error: %s", resp.Error.Message)
	}
	return models.BatchPollResult{
		Status:       resp.Status,
		OutputFileID: resp.OutputFileID,
		ErrorFileID:  resp.ErrorFileID,
	}, nil
}

// outputLine is one JSONL line of the batch output file.
type outputLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		StatusCode int          `json:"status_code"`
		Body       chatResponse `json:"body"`
	} `json:"response"`
	Error *apiError `json:"error"`
}

// FetchBatchResults downloads the batch output file and validates each
// line's result. Lines that fail provider-side or fail validation are
// skipped; the caller treats missing custom IDs as failed jobs.
func (p *Provider) FetchBatchResults(ctx context.Context, outputFileID string) (map[string]models.SimulationResult, error) {
	body, err := p.downloadFile(ctx, outputFileID)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	results := make(map[string]models.SimulationResult)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var out outputLine
		if err := json.Unmarshal(line, &out); err != nil {
			continue
		}
		if out.Error != nil || out.Response.StatusCode != http.StatusOK || len(out.Response.Body.Choices) == 0 {
			continue
		}
		result, err := models.ParseSimulationResult(json.RawMessage(out.Response.Body.Choices[0].Message.Content))
		if err != nil {
			continue
		}
		results[out.CustomID] = result
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading batch output: %w", err)
	}
	return results, nil
}

func (p *Provider) uploadFile(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai file upload: status %d", resp.StatusCode)
	}

	var fileResp fileResponse
	if err := json.NewDecoder(resp.Body).Decode(&fileResp); err != nil {
		return "", fmt.Errorf("decoding file response: %w", err)
	}
	if fileResp.Error != nil {
		return "", fmt.Errorf("openai file error: %s", fileResp.Error.Message)
	}
	return fileResp.ID, nil
}

func (p *Provider) downloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("openai file download: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (p *Provider) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	return p.do(httpReq, out)
}

func (p *Provider) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	return p.do(httpReq, out)
}

func (p *Provider) do(httpReq *http.Request, out any) error {
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", models.ErrProviderUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding openai response: %w", err)
	}
	return nil
}

// classifyError maps transport failures onto the shared provider sentinels.
func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", models.ErrInferenceTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

var _ models.SimulationProvider = (*Provider)(nil)
