package iec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound means the identity number is not on the voters' roll.
var ErrNotFound = errors.New("id number not found on voters' roll")

// StatusError is a non-2xx reply other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("iec: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("iec: unexpected status %d: %s", e.Code, e.Body)
}

// Verification is the registry's answer for one identity number.
type Verification struct {
	IDNumber       string `json:"id_number"`
	Registered     bool   `json:"registered"`
	VotingDistrict string `json:"voting_district"`
	WardCode       string `json:"ward_code"`
	Municipality   string `json:"municipality"`
	Province       string `json:"province"`
}

// Client calls the electoral commission voter lookup API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client. A zero timeout keeps the transport default.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify looks up one identity number. Callers must pass the rate-limit gate
// before every call.
func (c *Client) Verify(ctx context.Context, idNumber string) (Verification, error) {
	endpoint := fmt.Sprintf("%s/api/v1/voters/%s", c.baseURL, url.PathEscape(idNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verification{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verification{}, fmt.Errorf("iec request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Verification{}, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verification{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var v Verification
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&v); err != nil {
		return Verification{}, fmt.Errorf("decode iec response: %w", err)
	}
	if v.IDNumber != "" && v.IDNumber != idNumber {
		return Verification{}, fmt.Errorf("decode iec response: id mismatch %q", v.IDNumber)
	}
	if v.IDNumber == "" {
		v.IDNumber = idNumber
	}
	return v, nil
}

// Benign reports whether err is a definitive answer about the identity, as
// opposed to the service misbehaving.
func Benign(err error) bool {
	return errors.Is(err, ErrNotFound)
}
