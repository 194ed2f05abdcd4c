package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type mockBackend struct {
	UploadFunc   func(ctx context.Context, r io.Reader, cfg *genai.UploadFileConfig) (*genai.File, error)
	GetFileFunc  func(ctx context.Context, name string) (*genai.File, error)
	GenerateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)

	deleted []string
}

func (m *mockBackend) Upload(ctx context.Context, r io.Reader, cfg *genai.UploadFileConfig) (*genai.File, error) {
	if m.UploadFunc != nil {
		return m.UploadFunc(ctx, r, cfg)
	}
	return &genai.File{Name: "files/abc", URI: "https://files/abc", State: genai.FileStateProcessing}, nil
}

func (m *mockBackend) GetFile(ctx context.Context, name string) (*genai.File, error) {
	if m.GetFileFunc != nil {
		return m.GetFileFunc(ctx, name)
	}
	return &genai.File{Name: name, State: genai.FileStateActive}, nil
}

func (m *mockBackend) DeleteFile(ctx context.Context, name string) error {
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *mockBackend) Generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, model, contents, cfg)
	}
	return "", nil
}

func testConfig() Config {
	return Config{
		RequestTimeout:    time.Second,
		PollInterval:      time.Millisecond,
		MaxProcessingWait: 50 * time.Millisecond,
	}
}

func TestExtractLineItems(t *testing.T) {
	polls := 0
	m := &mockBackend{
		UploadFunc: func(ctx context.Context, r io.Reader, cfg *genai.UploadFileConfig) (*genai.File, error) {
			data, _ := io.ReadAll(r)
			assert.Equal(t, "receipt-bytes", string(data))
			assert.Equal(t, "image/jpeg", cfg.MIMEType)
			return &genai.File{Name: "files/abc", URI: "https://files/abc", State: genai.FileStateProcessing}, nil
		},
		GetFileFunc: func(ctx context.Context, name string) (*genai.File, error) {
			polls++
			state := genai.FileStateProcessing
			if polls > 1 {
				state = genai.FileStateActive
			}
			return &genai.File{Name: name, State: state}, nil
		},
		GenerateFunc: func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
			assert.Equal(t, DefaultModelName, model)
			require.Len(t, contents[0].Parts, 2)
			assert.Equal(t, "https://files/abc", contents[0].Parts[0].FileData.FileURI)
			return "```csv\n" +
				"Artikelbezeichnung,Menge,Preis,Total,Datetime,Seller\n" +
				"Vollmilch,1,1.55,1.55,14.10.23 10:59,Coop\n" +
				"Brot,1,2.90,2.90,14.10.23 10:59,Coop\n" +
				"Summe 4.45\n" +
				"```", nil
		},
	}

	items, err := newWithBackend(m, testConfig()).ExtractLineItems(context.Background(), []byte("receipt-bytes"), "a.jpg", "image/jpeg")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Vollmilch", items[0].ArticleName)
	assert.Equal(t, "2023-10-14T10:59:00", items[0].DateTime)
	assert.Empty(t, items[1].Category)
	assert.Equal(t, 2, polls)
	assert.Equal(t, []string{"files/abc"}, m.deleted)
}

func TestExtractLineItems_ProcessingTimeout(t *testing.T) {
	m := &mockBackend{
		GetFileFunc: func(ctx context.Context, name string) (*genai.File, error) {
			return &genai.File{Name: name, State: genai.FileStateProcessing}, nil
		},
	}

	_, err := newWithBackend(m, testConfig()).ExtractLineItems(context.Background(), []byte("x"), "a.pdf", "application/pdf")
	assert.Error(t, err)
	assert.Equal(t, []string{"files/abc"}, m.deleted, "upload is cleaned up on failure")
}

func TestExtractLineItems_ProcessingFailed(t *testing.T) {
	m := &mockBackend{
		GetFileFunc: func(ctx context.Context, name string) (*genai.File, error) {
			return &genai.File{Name: name, State: genai.FileStateFailed}, nil
		},
	}

	_, err := newWithBackend(m, testConfig()).ExtractLineItems(context.Background(), []byte("x"), "a.pdf", "application/pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processing failed")
}

func TestExtractLineItems_UploadError(t *testing.T) {
	m := &mockBackend{
		UploadFunc: func(context.Context, io.Reader, *genai.UploadFileConfig) (*genai.File, error) {
			return nil, errors.New("quota exceeded")
		},
	}

	_, err := newWithBackend(m, testConfig()).ExtractLineItems(context.Background(), []byte("x"), "a.pdf", "application/pdf")
	require.Error(t, err)
	assert.Empty(t, m.deleted)
}

func TestCategorizeBatch(t *testing.T) {
	m := &mockBackend{
		GenerateFunc: func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
			assert.Equal(t, "id1,Milch\nid2,Brot", contents[0].Parts[0].Text)
			assert.Contains(t, cfg.SystemInstruction.Parts[0].Text, "Milchprodukt")
			return "id1,Milch,Milchprodukt\n\nid2,Brot,Gebäck\n", nil
		},
	}

	lines, err := newWithBackend(m, testConfig()).CategorizeBatch(context.Background(), []string{"id1,Milch", "id2,Brot"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id1,Milch,Milchprodukt", "id2,Brot,Gebäck"}, lines)
}

func TestCategorizeBatch_EmptyResponse(t *testing.T) {
	m := &mockBackend{
		GenerateFunc: func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (string, error) {
			return "  ", nil
		},
	}

	_, err := newWithBackend(m, testConfig()).CategorizeBatch(context.Background(), []string{"id1,Milch"})
	assert.Error(t, err)
}

func TestCleanModelText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a,b\nc,d", "a,b\nc,d"},
		{"```csv\na,b\n```", "a,b"},
		{"```\na,b\n```\n", "a,b"},
		{"```", ""},
		{"  a,b  ", "a,b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanModelText(tt.in), tt.in)
	}
}

func TestParseExtraction_KeepsFirstRowWithoutHeader(t *testing.T) {
	items, errs := parseExtraction("Milch,1,1.55,1.55,14.10.23 10:59,Coop\nbroken row")
	require.Len(t, items, 1)
	assert.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0].Error(), "parse line item"))
}
