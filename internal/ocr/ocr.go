// Package ocr forwards uploaded documents to an OCR.space-compatible
// endpoint and reshapes the answer.
//
// Clients send the file as base64 (optionally a data URL) inside JSON; the
// upstream wants a multipart upload with the key in an "apikey" header.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/howard-nolan/edgeproxy/internal/config"
)

// Confidence is reported on every result. The upstream gives no overall
// score, so this is a fixed placeholder that clients have come to expect.
const Confidence = 85

// maxFileBytes caps the decoded upload. OCR.space's free tier rejects
// anything over 1 MB; paid tiers go up to 5 MB.
const maxFileBytes = 5 << 20

var (
	// ErrNotConfigured means no OCR key is set.
	ErrNotConfigured = errors.New("ocr provider not configured")

	// ErrInvalidFile covers missing, undecodable or oversized uploads.
	ErrInvalidFile = errors.New("invalid file")
)

// UpstreamError is a failure reported by the OCR provider, either as a
// non-2xx status or in-band via IsErroredOnProcessing.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ocr provider error (status %d): %s", e.Status, e.Message)
	}
	return "ocr provider error: " + e.Message
}

// Request is the inbound JSON body.
type Request struct {
	File     string `json:"file" validate:"required"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
}

// Result is the reshaped OCR answer.
type Result struct {
	Text       string `json:"text"`
	Pages      int    `json:"pages"`
	Confidence int    `json:"confidence"`
	Engine     int    `json:"engine"`
}

// Client talks to the OCR provider.
type Client struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// New creates a Client. A nil http client means http.DefaultClient.
func New(cfg config.OCRConfig, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  client,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.apiKey) != ""
}

// ocrResponse is OCR.space's parse/image response. ErrorMessage is a string
// on some failures and an array of strings on others.
type ocrResponse struct {
	ParsedResults []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
	IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
	ErrorMessage          json.RawMessage `json:"ErrorMessage"`
}

// Recognize decodes req.File, uploads it and returns the extracted text.
func (c *Client) Recognize(ctx context.Context, req Request) (*Result, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	data, mimeType, err := DecodeFile(req.File, req.FileType)
	if err != nil {
		return nil, err
	}

	engine := EngineFor(mimeType)
	body, contentType, err := buildUpload(data, fileName(req.FileName, mimeType), mimeType, engine)
	if err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parse/image", body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("apikey", c.apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to ocr provider: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading ocr response: %w", err)
	}

	var resp ocrResponse
	decodeErr := json.Unmarshal(raw, &resp)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg := errorMessage(resp.ErrorMessage)
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return nil, &UpstreamError{Status: httpResp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding ocr response: %w", decodeErr)
	}
	if resp.IsErroredOnProcessing {
		msg := errorMessage(resp.ErrorMessage)
		if msg == "" {
			msg = "processing failed"
		}
		return nil, &UpstreamError{Message: msg}
	}

	texts := make([]string, 0, len(resp.ParsedResults))
	for _, r := range resp.ParsedResults {
		texts = append(texts, r.ParsedText)
	}

	return &Result{
		Text:       strings.Join(texts, "\n"),
		Pages:      len(resp.ParsedResults),
		Confidence: Confidence,
		Engine:     engine,
	}, nil
}

// DecodeFile turns a base64 payload or data URL into bytes. The MIME type
// comes from the data URL when present, else from fileType.
func DecodeFile(file, fileType string) ([]byte, string, error) {
	file = strings.TrimSpace(file)
	mimeType := strings.ToLower(strings.TrimSpace(fileType))

	if rest, ok := strings.CutPrefix(file, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("%w: malformed data URL", ErrInvalidFile)
		}
		if m := strings.TrimSuffix(header, ";base64"); m != "" {
			mimeType = strings.ToLower(m)
		}
		file = payload
	}
	if file == "" {
		return nil, "", fmt.Errorf("%w: empty file", ErrInvalidFile)
	}

	data, err := base64.StdEncoding.DecodeString(file)
	if err != nil {
		// Some browsers strip padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(file, "="))
		if err != nil {
			return nil, "", fmt.Errorf("%w: not valid base64", ErrInvalidFile)
		}
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty file", ErrInvalidFile)
	}
	if len(data) > maxFileBytes {
		return nil, "", fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidFile, len(data), maxFileBytes)
	}
	return data, mimeType, nil
}

// EngineFor picks the OCR engine by file type: engine 1 handles multi-page
// PDFs, engine 2 is better on photos and screenshots.
func EngineFor(mimeType string) int {
	if strings.HasPrefix(mimeType, "application/pdf") {
		return 1
	}
	return 2
}

// fileTypes maps MIME types to the upstream's filetype hint.
var fileTypes = map[string]string{
	"application/pdf": "PDF",
	"image/png":       "PNG",
	"image/jpeg":      "JPG",
	"image/jpg":       "JPG",
	"image/gif":       "GIF",
	"image/bmp":       "BMP",
	"image/tiff":      "TIF",
	"image/webp":      "WEBP",
}

func fileName(name, mimeType string) string {
	name = path.Base(strings.TrimSpace(name))
	if name != "" && name != "." && name != "/" {
		return name
	}
	if ft, ok := fileTypes[mimeType]; ok {
		return "upload." + strings.ToLower(ft)
	}
	return "upload"
}

// buildUpload writes the multipart body the upstream expects.
func buildUpload(data []byte, name, mimeType string, engine int) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"language":          "eng",
		"OCREngine":         strconv.Itoa(engine),
		"isOverlayRequired": "false",
		"scale":             "true",
	}
	if ft, ok := fileTypes[mimeType]; ok {
		fields["filetype"] = ft
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
