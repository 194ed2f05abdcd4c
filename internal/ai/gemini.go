// Package ai extracts line items from receipt files and categorizes article
// names using the Gemini API.
package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/dvloznov/receipt-ledger/internal/lineitem"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/poll"
)

// Config configures the Gemini client.
type Config struct {
	APIKey            string
	Model             string
	RequestTimeout    time.Duration
	PollInterval      time.Duration
	MaxProcessingWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModelName
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxProcessingWait <= 0 {
		c.MaxProcessingWait = DefaultMaxProcessingWait
	}
}

// backend is the subset of the Gemini SDK the client uses.
type backend interface {
	Upload(ctx context.Context, r io.Reader, cfg *genai.UploadFileConfig) (*genai.File, error)
	GetFile(ctx context.Context, name string) (*genai.File, error)
	DeleteFile(ctx context.Context, name string) error
	Generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)
}

type sdkBackend struct {
	client *genai.Client
}

func (b *sdkBackend) Upload(ctx context.Context, r io.Reader, cfg *genai.UploadFileConfig) (*genai.File, error) {
	return b.client.Files.Upload(ctx, r, cfg)
}

func (b *sdkBackend) GetFile(ctx context.Context, name string) (*genai.File, error) {
	return b.client.Files.Get(ctx, name, nil)
}

func (b *sdkBackend) DeleteFile(ctx context.Context, name string) error {
	_, err := b.client.Files.Delete(ctx, name, nil)
	return err
}

func (b *sdkBackend) Generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	resp, err := b.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// GeminiClient implements receipt extraction and batch categorization.
type GeminiClient struct {
	api backend
	cfg Config
}

// NewGeminiClient creates a client for the Gemini developer API.
func NewGeminiClient(ctx context.Context, cfg Config) (*GeminiClient, error) {
	cfg.applyDefaults()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiClient: create genai client: %w", err)
	}
	return &GeminiClient{api: &sdkBackend{client: client}, cfg: cfg}, nil
}

func newWithBackend(api backend, cfg Config) *GeminiClient {
	cfg.applyDefaults()
	return &GeminiClient{api: api, cfg: cfg}
}

// ExtractLineItems uploads a receipt, waits until the service has processed it
// and asks the model for its line items. Returned items carry no category.
// Rows the model garbles are skipped and logged.
func (c *GeminiClient) ExtractLineItems(ctx context.Context, data []byte, fileName, contentType string) ([]lineitem.LineItem, error) {
	log := logger.FromContext(ctx).With().Str("file", fileName).Logger()

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	// Drop parameters such as charset.
	if i := strings.Index(contentType, ";"); i != -1 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	file, err := c.upload(ctx, data, fileName, contentType)
	if err != nil {
		return nil, err
	}
	defer c.deleteFile(ctx, file.Name)

	if err := c.waitActive(ctx, file); err != nil {
		return nil, err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(file.URI, contentType),
			genai.NewPartFromText(extractionRequest),
		}, genai.RoleUser),
	}
	text, err := c.generate(ctx, extractionPrompt(), contents)
	if err != nil {
		return nil, fmt.Errorf("ExtractLineItems: %s: %w", fileName, err)
	}

	items, skipped := parseExtraction(text)
	for _, err := range skipped {
		log.Warn().Err(err).Msg("Skipping malformed extracted row")
	}
	log.Info().Int("items", len(items)).Int("skipped", len(skipped)).Msg("Extracted line items")
	return items, nil
}

// CategorizeBatch sends "<id>,<name>" lines and returns the model's answer lines.
func (c *GeminiClient) CategorizeBatch(ctx context.Context, lines []string) ([]string, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	contents := []*genai.Content{
		genai.NewContentFromText(strings.Join(lines, "\n"), genai.RoleUser),
	}
	text, err := c.generate(ctx, categorizationPrompt(), contents)
	if err != nil {
		return nil, fmt.Errorf("CategorizeBatch: %w", err)
	}
	return nonBlankLines(cleanModelText(text)), nil
}

func (c *GeminiClient) upload(ctx context.Context, data []byte, fileName, contentType string) (*genai.File, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	file, err := c.api.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{
		MIMEType:    contentType,
		DisplayName: fileName,
	})
	if err != nil {
		return nil, fmt.Errorf("ExtractLineItems: upload %s: %w", fileName, err)
	}
	return file, nil
}

// waitActive polls the uploaded file until the service reports it ready.
func (c *GeminiClient) waitActive(ctx context.Context, file *genai.File) error {
	if file.State == genai.FileStateActive {
		return nil
	}
	name := file.Name
	err := poll.Until(ctx, c.cfg.PollInterval, c.cfg.MaxProcessingWait, func(ctx context.Context) (bool, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		f, err := c.api.GetFile(callCtx, name)
		if err != nil {
			return false, fmt.Errorf("get file state: %w", err)
		}
		switch f.State {
		case genai.FileStateActive:
			return true, nil
		case genai.FileStateFailed:
			msg := "processing failed"
			if f.Error != nil && f.Error.Message != "" {
				msg = f.Error.Message
			}
			return false, errors.New(msg)
		default:
			return false, nil
		}
	})
	if err != nil {
		return fmt.Errorf("ExtractLineItems: waiting for %s: %w", name, err)
	}
	return nil
}

func (c *GeminiClient) generate(ctx context.Context, system string, contents []*genai.Content) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	text, err := c.api.Generate(ctx, c.cfg.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "text/plain",
	})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty response from model")
	}
	return text, nil
}

// deleteFile removes the upload. Failures only cost storage until the service
// expires the file, so they are logged.
func (c *GeminiClient) deleteFile(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.api.DeleteFile(ctx, name); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("upload", name).Msg("Failed to delete uploaded file")
	}
}

// parseExtraction turns the model's CSV into line items. A leading header row
// is dropped. Rows may omit the trailing category column.
func parseExtraction(text string) ([]lineitem.LineItem, []error) {
	var (
		items []lineitem.LineItem
		errs  []error
	)
	for i, line := range nonBlankLines(cleanModelText(text)) {
		fields := strings.Split(line, lineitem.Delimiter)
		if i == 0 && isHeaderRow(fields) {
			continue
		}
		if len(fields) == lineitem.FieldCount-1 {
			line += lineitem.Delimiter
		}
		item, err := lineitem.Parse(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, item.WithCategory(""))
	}
	return items, errs
}

func isHeaderRow(fields []string) bool {
	if len(fields) < 2 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	return err != nil
}
