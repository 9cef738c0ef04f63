package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

type apiClient struct {
	baseURL   string
	token     string
	requestID string
	http      *http.Client
}

func newAPIClient(baseURL, token, requestID string, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = 5 * time.Minute
	}
	return &apiClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:     strings.TrimSpace(token),
		requestID: strings.TrimSpace(requestID),
		http:      httpClient,
	}
}

// clientCredentialsHTTPClient returns a client that fetches and refreshes a
// bearer token from tokenURL.
func clientCredentialsHTTPClient(ctx context.Context, tokenURL, clientID, clientSecret string, scopes []string) *http.Client {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return cfg.Client(ctx)
}

func (c *apiClient) do(req *http.Request) (*http.Response, []byte, error) {
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.String(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, body, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

type predictionRecord struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	Pipeline        string            `json:"pipeline"`
	Label           string            `json:"predicted_class"`
	Confidence      float64           `json:"confidence_score"`
	ImageRef        string            `json:"image_ref"`
	Extra           map[string]string `json:"extra,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	IntegritySHA256 string            `json:"integrity_sha256"`
}

type predictionList struct {
	Predictions []predictionRecord `json:"predictions"`
}

func (c *apiClient) predict(ctx context.Context, imagePath, pipeline string) (predictionRecord, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return predictionRecord{}, err
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if pipeline != "" {
		if err := writer.WriteField("pipeline", pipeline); err != nil {
			return predictionRecord{}, err
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filepath.Base(imagePath)))
	header.Set("Content-Type", imageContentType(imagePath))
	part, err := writer.CreatePart(header)
	if err != nil {
		return predictionRecord{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return predictionRecord{}, err
	}
	if err := writer.Close(); err != nil {
		return predictionRecord{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predictions", &buf)
	if err != nil {
		return predictionRecord{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", writer.FormDataContentType())
	_, body, err := c.do(req)
	if err != nil {
		return predictionRecord{}, err
	}
	var record predictionRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return predictionRecord{}, err
	}
	return record, nil
}

func (c *apiClient) history(ctx context.Context, limit int) ([]predictionRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/v1/predictions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out predictionList
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Predictions, nil
}

func imageContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".dcm":
		return "application/dicom"
	default:
		return "application/octet-stream"
	}
}
